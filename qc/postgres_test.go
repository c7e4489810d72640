package qc

import "testing"

func classifyPG(t *testing.T, sql string, level CollectionLevel) *Info {
	t.Helper()
	p := NewPostgresPlugin()
	if err := p.Setup(Options{}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	info, err := p.Classify(sql, level)
	if err != nil {
		t.Fatalf("Classify(%q): %v", sql, err)
	}
	return info
}

func TestPostgresPlugin_Operation(t *testing.T) {
	tests := []struct {
		query string
		op    Operation
		mask  TypeMask
	}{
		{"SELECT * FROM users", OpSelect, TypeRead},
		{"INSERT INTO users (name) VALUES ('bob')", OpInsert, TypeWrite},
		{"UPDATE users SET name = 'bob'", OpUpdate, TypeWrite},
		{"DELETE FROM users WHERE id = 1", OpDelete, TypeWrite},
		{"BEGIN", OpBegin, TypeSessionWrite | TypeBeginTrx},
		{"COMMIT", OpCommit, TypeSessionWrite | TypeCommit},
		{"ROLLBACK", OpRollback, TypeSessionWrite | TypeRollback},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			info := classifyPG(t, tt.query, CollectEssentials)
			if info.Operation != tt.op {
				t.Errorf("Operation = %v, want %v", info.Operation, tt.op)
			}
			if !info.TypeMask.Has(tt.mask) {
				t.Errorf("TypeMask = %b, want at least %b", info.TypeMask, tt.mask)
			}
			if info.Result != ParseParsed {
				t.Errorf("Result = %v, want ParseParsed for a real-parser plugin", info.Result)
			}
		})
	}
}

func TestPostgresPlugin_ReadOnlyTransaction(t *testing.T) {
	info := classifyPG(t, "BEGIN TRANSACTION READ ONLY", CollectEssentials)
	if !info.TypeMask.Has(TypeReadOnly) {
		t.Errorf("BEGIN ... READ ONLY should set TypeReadOnly, got mask %b", info.TypeMask)
	}
}

func TestPostgresPlugin_TableCollection(t *testing.T) {
	info := classifyPG(t, "SELECT * FROM public.accounts a JOIN ledger l ON a.id = l.account_id", CollectTables)
	found := false
	for _, tb := range info.Tables {
		if tb.Schema == "public" && tb.Table == "accounts" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected public.accounts in %+v", info.Tables)
	}
}

func TestPostgresPlugin_SequenceFunctionForcesWrite(t *testing.T) {
	info := classifyPG(t, "SELECT nextval('seq1')", CollectFunctions)
	if !info.TypeMask.Has(TypeWrite) {
		t.Errorf("nextval() must force a write classification, got mask %b", info.TypeMask)
	}
}

func TestPostgresPlugin_MultiStatement(t *testing.T) {
	info := classifyPG(t, "SELECT 1; SELECT 2", CollectEssentials)
	if !info.MultiStmt {
		t.Errorf("expected MultiStmt=true for a two-statement batch")
	}
	if !info.TypeMask.Has(TypeRead) {
		t.Errorf("union mask should still carry TypeRead for an all-select batch")
	}
}

func TestPostgresPlugin_InvalidSQLDowngradesGracefully(t *testing.T) {
	info := classifyPG(t, "SELECT FROM FROM FROM", CollectEssentials)
	if info.Result == ParseParsed {
		t.Errorf("malformed SQL must not report ParseParsed")
	}
}
