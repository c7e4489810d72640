package qc

import "fmt"

// Dialect selects which concrete Plugin a Classifier dispatches to.
type Dialect int

const (
	DialectMariaDB Dialect = iota
	DialectPostgres
)

// Classifier wraps a Plugin with the "parsed at most twice per packet"
// bookkeeping from spec.md §4.2: a first call classifies at whatever level
// the caller names; if a later call on the *same statement* needs a level
// not already covered, exactly one more parse is allowed and the two
// results are merged. A third escalation reuses the second result as-is
// rather than parsing again.
type Classifier struct {
	plugin Plugin
	cached map[string]*cacheEntry
}

type cacheEntry struct {
	info   *Info
	passes int
}

// New constructs a Classifier for the given dialect and options.
func New(dialect Dialect, opts Options) (*Classifier, error) {
	var p Plugin
	switch dialect {
	case DialectMariaDB:
		p = NewMariaDBPlugin()
	case DialectPostgres:
		p = NewPostgresPlugin()
	default:
		return nil, fmt.Errorf("qc: unknown dialect %d", dialect)
	}
	if err := p.Setup(opts); err != nil {
		return nil, err
	}
	return &Classifier{plugin: p, cached: make(map[string]*cacheEntry)}, nil
}

// Classify returns classification info for sql at least at level,
// re-parsing only when a prior cached result for the identical statement
// text doesn't cover the requested level, and never more than twice.
func (c *Classifier) Classify(sql string, level CollectionLevel) (*Info, error) {
	entry, ok := c.cached[sql]
	if ok && entry.info.Collected&level == level {
		return entry.info, nil
	}
	if ok && entry.passes >= 2 {
		return entry.info, nil
	}
	union := level
	if ok {
		union |= entry.info.Collected
	}
	info, err := c.plugin.Classify(sql, union)
	if err != nil {
		return nil, err
	}
	passes := 1
	if ok {
		passes = entry.passes + 1
	}
	c.cached[sql] = &cacheEntry{info: info, passes: passes}
	return info, nil
}

// Forget evicts a cached statement, used when a session's statement cache
// capacity is exceeded (callers own their own eviction policy; this just
// lets the classifier's shadow cache track it).
func (c *Classifier) Forget(sql string) { delete(c.cached, sql) }

// Canonical returns the canonical form without touching the classify cache.
func (c *Classifier) Canonical(sql string) string { return c.plugin.Canonical(sql) }
