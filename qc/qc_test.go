package qc

import "testing"

func TestClassifier_CachesAndEscalatesOnce(t *testing.T) {
	c, err := New(DialectMariaDB, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	const q = "SELECT * FROM users WHERE id = 1"

	first, err := c.Classify(q, CollectEssentials)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if first.Operation != OpSelect {
		t.Fatalf("Operation = %v, want OpSelect", first.Operation)
	}

	second, err := c.Classify(q, CollectTables)
	if err != nil {
		t.Fatalf("Classify (escalate): %v", err)
	}
	if len(second.Tables) == 0 {
		t.Errorf("expected table refs after escalation to CollectTables")
	}

	entry := c.cached[q]
	if entry.passes != 2 {
		t.Errorf("passes = %d, want 2 (essentials pass + one escalation)", entry.passes)
	}

	third, err := c.Classify(q, CollectAll)
	if err != nil {
		t.Fatalf("Classify (third call): %v", err)
	}
	if third != c.cached[q].info {
		t.Errorf("a third distinct-level call should reuse the cached result, not reparse")
	}
	if c.cached[q].passes != 2 {
		t.Errorf("passes must not exceed 2, got %d", c.cached[q].passes)
	}
}

func TestClassifier_SameLevelNoReparse(t *testing.T) {
	c, err := New(DialectMariaDB, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	const q = "UPDATE t SET x = 1"
	first, _ := c.Classify(q, CollectEssentials)
	second, _ := c.Classify(q, CollectEssentials)
	if first != second {
		t.Errorf("repeated call at the same level should return the identical cached *Info")
	}
}

func TestClassifier_Forget(t *testing.T) {
	c, err := New(DialectMariaDB, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	const q = "SELECT 1"
	c.Classify(q, CollectEssentials)
	c.Forget(q)
	if _, ok := c.cached[q]; ok {
		t.Errorf("Forget should evict the cached entry")
	}
}

func TestNew_UnknownDialect(t *testing.T) {
	if _, err := New(Dialect(99), Options{}); err == nil {
		t.Errorf("expected an error for an unknown dialect")
	}
}
