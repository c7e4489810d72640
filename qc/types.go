// Package qc implements the plugin Query Classifier: it turns a raw SQL
// statement into a type mask, operation code, table/database/field/function
// references, prepared-statement metadata, and a canonical form. Two
// plugins are provided — mysql.go (a hand-built tokenizer/classifier, in
// the teacher's own regex-based idiom) and postgres.go (backed by
// pganalyze/pg_query_go, a real libpg_query binding) — behind the Plugin
// interface so the consumer (router, session) never depends on either
// concretely (spec.md §4.2, §9 "dynamic dispatch to parser plugins").
package qc

// TypeMask is a bitset over the statement classification vocabulary.
type TypeMask uint64

const (
	TypeRead TypeMask = 1 << iota
	TypeWrite
	TypeSessionWrite
	TypeMasterRead
	TypeUserVarRead
	TypeUserVarWrite
	TypeSysVarRead
	TypeGSysVarRead
	TypeGSysVarWrite
	TypePrepareStmt
	TypePrepareNamedStmt
	TypeExecStmt
	TypeDeallocPrepare
	TypeBeginTrx
	TypeCommit
	TypeRollback
	TypeEnableAutocommit
	TypeDisableAutocommit
	TypeReadOnly
	TypeReadWrite
	TypeNextTrx
	TypeCreateTmpTable
	TypeShowDatabases
	TypeShowTables
	TypeRelatesToPrevious // FOUND_ROWS() etc: route to last used backend
	TypeUnknown
)

// Has reports whether m contains all bits of other.
func (m TypeMask) Has(other TypeMask) bool { return m&other == other }

// Any reports whether m contains any bit of other.
func (m TypeMask) Any(other TypeMask) bool { return m&other != 0 }

// ReadOnlyCompatible reports whether m describes a statement eligible for
// slave routing absent other session state (spec.md §4.7 step 5): it reads,
// does not write, and carries none of the write-adjacent markers.
func (m TypeMask) ReadOnlyCompatible() bool {
	if m.Has(TypeWrite) {
		return false
	}
	if m.Any(TypeSessionWrite | TypeUserVarWrite | TypeGSysVarWrite |
		TypeMasterRead | TypeEnableAutocommit | TypeDisableAutocommit) {
		return false
	}
	return m.Has(TypeRead) || m == 0
}

// Operation is an enum of statement operation codes (diagnostic/log use).
type Operation int

const (
	OpUnknown Operation = iota
	OpSelect
	OpInsert
	OpUpdate
	OpDelete
	OpCreateTable
	OpDropTable
	OpAlterTable
	OpBegin
	OpCommit
	OpRollback
	OpSet
	OpUse
	OpShow
	OpPrepare
	OpExecute
	OpDeallocate
	OpKill
	OpCall
	OpLoadData
	OpOther
)

var operationNames = [...]string{
	"UNKNOWN", "SELECT", "INSERT", "UPDATE", "DELETE", "CREATE_TABLE",
	"DROP_TABLE", "ALTER_TABLE", "BEGIN", "COMMIT", "ROLLBACK", "SET", "USE",
	"SHOW", "PREPARE", "EXECUTE", "DEALLOCATE", "KILL", "CALL", "LOAD_DATA",
	"OTHER",
}

// String renders the operation's diagnostic label (e.g. metrics labels).
func (o Operation) String() string {
	if int(o) < 0 || int(o) >= len(operationNames) {
		return "UNKNOWN"
	}
	return operationNames[o]
}

// ParseResult is the fidelity level a classification reached.
type ParseResult int

const (
	ParseInvalid ParseResult = iota
	ParseTokenized
	ParsePartiallyParsed
	ParseParsed
)

// CollectionLevel is a bitset of how much info a caller wants extracted.
// A later call demanding a strictly larger set than a prior call triggers
// exactly one more parse pass (spec.md §4.2, caps per-packet parses at 2).
type CollectionLevel uint8

const (
	CollectEssentials CollectionLevel = 1 << iota // type + operation only
	CollectTables
	CollectDatabases
	CollectFields
	CollectFunctions
	CollectAll = CollectTables | CollectDatabases | CollectFields | CollectFunctions | CollectEssentials
)

// TableRef names a table, optionally schema-qualified.
type TableRef struct {
	Schema string
	Table  string
}

// FieldRef names a column reference with context flags.
type FieldRef struct {
	Table      string
	Column     string
	InSubquery bool
	InUnion    bool
}

// FunctionRef names a function call and the fields it touches.
type FunctionRef struct {
	Name   string
	Fields []FieldRef
}

// KillInfo describes a parsed KILL statement.
type KillInfo struct {
	IsQuery      bool // KILL QUERY vs KILL CONNECTION
	TargetConnID uint64
	IsUser       bool // KILL USER <name> form
	TargetUser   string
}

// PreparableStmt holds the body of a `PREPARE name FROM '...'` statement.
type PreparableStmt struct {
	Name string
	Body string
}

// Info is the full output of classifying one statement (spec.md §3
// "Parsed-statement info").
type Info struct {
	Result      ParseResult
	TypeMask    TypeMask
	Operation   Operation
	Tables      []TableRef
	Databases   []string
	Fields      []FieldRef
	Functions   []FunctionRef
	Preparable  *PreparableStmt
	Kill        *KillInfo
	Canonical   string
	Collected   CollectionLevel
	MultiStmt   bool // unquoted top-level semicolon detected
}

// Plugin is the capability set a wire-protocol-specific classifier
// implements. Exactly one concrete plugin backs a listener; it is resolved
// once and stored as an interface value (spec.md §9).
type Plugin interface {
	// Setup configures SQL-mode-dependent behavior (e.g. the pre-10.3 vs
	// 10.3 unary-minus-as-function switch documented in spec.md §9).
	Setup(opts Options) error
	// Classify parses sql to at least level. Plugins keep no cache;
	// Classifier caches and reuses their results.
	Classify(sql string, level CollectionLevel) (*Info, error)
	// Canonical returns the canonical form alone (cheap path for callers
	// that only need cache keys or log lines).
	Canonical(sql string) string
}

// Options configures a Plugin at listener-creation time.
type Options struct {
	// OracleMode toggles the Oracle-mode built-in function whitelist
	// extension (spec.md §9 open question).
	OracleMode bool
	// PostMariaDB103 toggles the 10.3+ unary-minus classification mode
	// (spec.md §9 open question): pre-10.3 treats unary minus as a
	// function reference, 10.3+ does not.
	PostMariaDB103 bool
}
