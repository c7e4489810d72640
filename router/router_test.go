package router

import (
	"testing"

	"github.com/mevdschee/maxcore/qc"
	"github.com/mevdschee/maxcore/routeinfo"
)

func TestDecide_DecisionTable(t *testing.T) {
	tests := []struct {
		name  string
		in    Input
		want  routeinfo.TargetMask
	}{
		{
			name: "locked to master wins over everything",
			in: Input{
				Info:           &qc.Info{TypeMask: qc.TypeRead},
				LockedToMaster: true,
			},
			want: routeinfo.TargetMaster,
		},
		{
			name: "prepare goes to all",
			in: Input{
				Info:      &qc.Info{TypeMask: qc.TypeSessionWrite | qc.TypePrepareNamedStmt},
				IsPrepare: true,
			},
			want: routeinfo.TargetAll,
		},
		{
			name: "load data continuation goes to last used",
			in: Input{
				Info:           &qc.Info{TypeMask: qc.TypeWrite},
				LoadDataActive: true,
			},
			want: routeinfo.TargetLastUsed,
		},
		{
			name: "session write without data write goes to all",
			in: Input{
				Info: &qc.Info{TypeMask: qc.TypeSessionWrite | qc.TypeDisableAutocommit},
			},
			want: routeinfo.TargetAll,
		},
		{
			name: "read only outside a transaction goes to slave",
			in: Input{
				Info: &qc.Info{TypeMask: qc.TypeRead},
			},
			want: routeinfo.TargetSlave,
		},
		{
			name: "read-only transaction goes to slave",
			in: Input{
				Info:        &qc.Info{TypeMask: qc.TypeRead},
				Transaction: routeinfo.TransactionTracker{TrxActive: true, TrxReadOnly: true},
			},
			want: routeinfo.TargetSlave,
		},
		{
			name: "default is master",
			in: Input{
				Info: &qc.Info{TypeMask: qc.TypeWrite},
			},
			want: routeinfo.TargetMaster,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.in)
			if got.Target != tt.want {
				t.Errorf("Decide() target = %v, want %v", got.Target, tt.want)
			}
		})
	}
}

func TestDecide_DataWriteNeverGoesToAll(t *testing.T) {
	in := Input{Info: &qc.Info{TypeMask: qc.TypeWrite | qc.TypeSessionWrite}}
	got := Decide(in)
	if got.Target != routeinfo.TargetMaster {
		t.Errorf("a true data write must route to MASTER even if SESSION_WRITE is also set, got %v", got.Target)
	}
}

func TestDecide_HintOverridesBaseTarget(t *testing.T) {
	in := Input{
		Info:  &qc.Info{TypeMask: qc.TypeRead},
		Hints: []Hint{{Kind: HintRouteToMaster}},
	}
	got := Decide(in)
	if got.Target != routeinfo.TargetMaster {
		t.Errorf("ROUTE_TO_MASTER hint must override the base SLAVE target, got %v", got.Target)
	}
}

func TestDecide_NamedServerHintAddsBit(t *testing.T) {
	in := Input{
		Info:  &qc.Info{TypeMask: qc.TypeRead},
		Hints: []Hint{{Kind: HintRouteToNamedServer, ServerName: "db2"}},
	}
	got := Decide(in)
	if !got.Target.Has(routeinfo.TargetNamedServer) || got.NamedServer != "db2" {
		t.Errorf("expected NAMED_SERVER bit and name db2, got %+v", got)
	}
}

func TestDecide_RLagMaxHint(t *testing.T) {
	in := Input{
		Info:  &qc.Info{TypeMask: qc.TypeRead},
		Hints: []Hint{{Kind: HintParameter, Key: "max_slave_replication_lag", Value: "10"}},
	}
	got := Decide(in)
	if !got.Target.Has(routeinfo.TargetRLagMax) || got.MaxSlaveLagSeconds != 10 {
		t.Errorf("expected RLAG_MAX bit and 10s lag, got %+v", got)
	}
}
