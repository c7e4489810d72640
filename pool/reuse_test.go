package pool

import "testing"

func TestCanReuse_Direct(t *testing.T) {
	conn := ConnAttrs{User: "app", Host: "10.0.0.1", DefaultDB: "shop", Capabilities: 0xff}
	want := Requirements{User: "app", Host: "10.0.0.1", DefaultDB: "shop", RequiredCapabilities: 0x0f}
	if got := CanReuse(conn, want); got != ReuseDirect {
		t.Errorf("CanReuse = %v, want ReuseDirect", got)
	}
}

func TestCanReuse_ResetConnectionOnUserMismatch(t *testing.T) {
	conn := ConnAttrs{User: "app", Host: "10.0.0.1", DefaultDB: "shop", Capabilities: 0xff}
	want := Requirements{User: "other", Host: "10.0.0.1", DefaultDB: "shop", RequiredCapabilities: 0x0f}
	if got := CanReuse(conn, want); got != ReuseResetConnection {
		t.Errorf("CanReuse = %v, want ReuseResetConnection", got)
	}
}

func TestCanReuse_NoneOnIncompatibleCapabilities(t *testing.T) {
	conn := ConnAttrs{User: "app", Host: "h", DefaultDB: "d", Capabilities: 0x01}
	want := Requirements{User: "app", Host: "h", DefaultDB: "d", RequiredCapabilities: 0x0f}
	if got := CanReuse(conn, want); got != ReuseNone {
		t.Errorf("CanReuse = %v, want ReuseNone", got)
	}
}

func TestCanReuse_ProxyProtocolMismatchFallsBackToChangeUser(t *testing.T) {
	conn := ConnAttrs{User: "app", Host: "h", DefaultDB: "d", Capabilities: 0x0f, ProxyProtocolSrc: "1.2.3.4"}
	want := Requirements{User: "app", Host: "h", DefaultDB: "d", RequiredCapabilities: 0x0f,
		ProxyProtocolEnabled: true, ClientRemote: "5.6.7.8"}
	if got := CanReuse(conn, want); got != ReuseChangeUser {
		t.Errorf("CanReuse = %v, want ReuseChangeUser on proxy-protocol source mismatch", got)
	}
}

func TestIdleCache_PutTakePrefersBestMode(t *testing.T) {
	c := NewIdleCache()
	c.Put("srv1", "app", ConnAttrs{User: "app", Host: "h", DefaultDB: "other", Capabilities: 0x0f}, "handle-reset")
	c.Put("srv1", "app", ConnAttrs{User: "app", Host: "h", DefaultDB: "d", Capabilities: 0x0f}, "handle-direct")

	want := Requirements{User: "app", Host: "h", DefaultDB: "d", RequiredCapabilities: 0x0f}
	handle, mode, ok := c.Take("srv1", want)
	if !ok {
		t.Fatal("expected a match")
	}
	if mode != ReuseDirect || handle != "handle-direct" {
		t.Errorf("Take returned mode=%v handle=%v, want ReuseDirect/handle-direct", mode, handle)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 remaining connection, got %d", c.Len())
	}
}

func TestIdleCache_TakeEmptyPool(t *testing.T) {
	c := NewIdleCache()
	_, _, ok := c.Take("srv1", Requirements{})
	if ok {
		t.Error("expected no match from an empty pool")
	}
}
