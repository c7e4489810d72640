package qc

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v5"
)

// PostgresPlugin classifies statements with a real parser: libpg_query via
// pganalyze/pg_query_go (grounded on asfixia-pgrollback's pkg/sql/ast.go,
// which uses the same library the same way — ParseStatements + a type
// switch on the returned AST node). Because this is a real grammar, results
// reach ParseParsed rather than the MariaDB plugin's TOKENIZED/
// PARTIALLY_PARSED ceiling.
type PostgresPlugin struct {
	opts Options
}

// NewPostgresPlugin constructs the Postgres QC plugin.
func NewPostgresPlugin() *PostgresPlugin { return &PostgresPlugin{} }

func (p *PostgresPlugin) Setup(opts Options) error {
	p.opts = opts
	return nil
}

func (p *PostgresPlugin) Canonical(sql string) string { return Canonicalize(sql) }

func (p *PostgresPlugin) Classify(sql string, level CollectionLevel) (*Info, error) {
	info := &Info{Canonical: Canonicalize(sql), Collected: level}

	result, err := pg_query.Parse(sql)
	if err != nil || result == nil || len(result.Stmts) == 0 {
		info.Result = ParseTokenized
		info.Operation = OpOther
		info.TypeMask = TypeUnknown
		return info, nil
	}
	info.MultiStmt = len(result.Stmts) > 1
	info.Result = ParseParsed

	// A multi-statement batch takes on the union of its statements' type
	// bits and the operation of the first statement (spec.md §4.7 pins
	// multi-statement batches to master regardless of individual
	// statement classifications; the union preserves that conservatism).
	for i, raw := range result.Stmts {
		stmtInfo := classifyNode(raw.Stmt, p.opts)
		if i == 0 {
			info.Operation = stmtInfo.Operation
			info.Preparable = stmtInfo.Preparable
			info.Kill = stmtInfo.Kill
		}
		info.TypeMask |= stmtInfo.TypeMask
		info.Tables = append(info.Tables, stmtInfo.Tables...)
		info.Functions = append(info.Functions, stmtInfo.Functions...)
	}

	if level&(CollectDatabases|CollectAll) != 0 {
		seen := map[string]bool{}
		for _, t := range info.Tables {
			if t.Schema != "" && !seen[t.Schema] {
				seen[t.Schema] = true
				info.Databases = append(info.Databases, t.Schema)
			}
		}
	}
	return info, nil
}

func classifyNode(stmt *pg_query.Node, opts Options) *Info {
	info := &Info{Result: ParseParsed}
	if stmt == nil {
		info.Operation = OpOther
		info.TypeMask = TypeUnknown
		return info
	}

	switch {
	case stmt.GetSelectStmt() != nil:
		info.Operation = OpSelect
		info.TypeMask |= TypeRead
		collectSelectTables(stmt.GetSelectStmt(), info)
		collectSelectFunctions(stmt.GetSelectStmt(), info, opts)
	case stmt.GetInsertStmt() != nil:
		info.Operation = OpInsert
		info.TypeMask |= TypeWrite
		if rel := stmt.GetInsertStmt().GetRelation(); rel != nil {
			info.Tables = append(info.Tables, rangeVarRef(rel))
		}
	case stmt.GetUpdateStmt() != nil:
		info.Operation = OpUpdate
		info.TypeMask |= TypeWrite
		if rel := stmt.GetUpdateStmt().GetRelation(); rel != nil {
			info.Tables = append(info.Tables, rangeVarRef(rel))
		}
	case stmt.GetDeleteStmt() != nil:
		info.Operation = OpDelete
		info.TypeMask |= TypeWrite
		if rel := stmt.GetDeleteStmt().GetRelation(); rel != nil {
			info.Tables = append(info.Tables, rangeVarRef(rel))
		}
	case stmt.GetTransactionStmt() != nil:
		t := stmt.GetTransactionStmt()
		switch t.GetKind() {
		case pg_query.TransactionStmtKind_TRANS_STMT_BEGIN, pg_query.TransactionStmtKind_TRANS_STMT_START:
			info.Operation = OpBegin
			info.TypeMask |= TypeSessionWrite | TypeBeginTrx
			for _, opt := range t.GetOptions() {
				if def := opt.GetDefElem(); def != nil && strings.EqualFold(def.GetDefname(), "transaction_read_only") {
					info.TypeMask |= TypeReadOnly
				}
			}
		case pg_query.TransactionStmtKind_TRANS_STMT_COMMIT:
			info.Operation = OpCommit
			info.TypeMask |= TypeSessionWrite | TypeCommit
		case pg_query.TransactionStmtKind_TRANS_STMT_ROLLBACK, pg_query.TransactionStmtKind_TRANS_STMT_ROLLBACK_TO:
			info.Operation = OpRollback
			info.TypeMask |= TypeSessionWrite | TypeRollback
		case pg_query.TransactionStmtKind_TRANS_STMT_SAVEPOINT:
			info.Operation = OpOther
			info.TypeMask |= TypeSessionWrite
		case pg_query.TransactionStmtKind_TRANS_STMT_RELEASE:
			info.Operation = OpOther
			info.TypeMask |= TypeSessionWrite
		default:
			info.Operation = OpOther
			info.TypeMask |= TypeSessionWrite
		}
	case stmt.GetVariableSetStmt() != nil:
		info.Operation = OpSet
		v := stmt.GetVariableSetStmt()
		name := strings.ToLower(v.GetName())
		switch name {
		case "session characteristics", "default_transaction_read_only":
			info.TypeMask |= TypeSessionWrite | TypeReadOnly
		default:
			info.TypeMask |= TypeSessionWrite | TypeGSysVarWrite
		}
	case stmt.GetVariableShowStmt() != nil:
		info.Operation = OpShow
		info.TypeMask |= TypeRead
	case stmt.GetCreateStmt() != nil:
		info.Operation = OpCreateTable
		info.TypeMask |= TypeWrite
		if rel := stmt.GetCreateStmt().GetRelation(); rel != nil {
			ref := rangeVarRef(rel)
			info.Tables = append(info.Tables, ref)
			if rel.GetRelpersistence() == "t" {
				info.TypeMask |= TypeCreateTmpTable
			}
		}
	case stmt.GetDropStmt() != nil:
		info.Operation = OpDropTable
		info.TypeMask |= TypeWrite
	case stmt.GetPrepareStmt() != nil:
		info.Operation = OpPrepare
		info.TypeMask |= TypeSessionWrite | TypePrepareNamedStmt
		ps := stmt.GetPrepareStmt()
		info.Preparable = &PreparableStmt{Name: ps.GetName()}
	case stmt.GetExecuteStmt() != nil:
		info.Operation = OpExecute
		info.TypeMask |= TypeExecStmt
	case stmt.GetDeallocateStmt() != nil:
		info.Operation = OpDeallocate
		info.TypeMask |= TypeSessionWrite | TypeDeallocPrepare
	case stmt.GetCallStmt() != nil:
		info.Operation = OpCall
		info.TypeMask |= TypeWrite
	default:
		info.Operation = OpOther
		info.TypeMask |= TypeWrite // conservative default per spec.md §4.2
	}
	return info
}

func rangeVarRef(rv *pg_query.RangeVar) TableRef {
	return TableRef{Schema: rv.GetSchemaname(), Table: rv.GetRelname()}
}

func collectSelectTables(sel *pg_query.SelectStmt, info *Info) {
	if sel == nil {
		return
	}
	for _, fc := range sel.GetFromClause() {
		if rv := fc.GetRangeVar(); rv != nil {
			info.Tables = append(info.Tables, rangeVarRef(rv))
		}
		if join := fc.GetJoinExpr(); join != nil {
			if rv := join.GetLarg().GetRangeVar(); rv != nil {
				info.Tables = append(info.Tables, rangeVarRef(rv))
			}
			if rv := join.GetRarg().GetRangeVar(); rv != nil {
				info.Tables = append(info.Tables, rangeVarRef(rv))
			}
		}
	}
	for _, wc := range sel.GetWithClause().GetCtes() {
		_ = wc // CTEs resolve to temp names already excluded from table refs
	}
}

// collectSelectFunctions walks the target list for direct function calls
// (nextval() sequence reads force a write upgrade, matching the MariaDB
// plugin's sequenceFunctions handling so router policy is protocol-agnostic).
func collectSelectFunctions(sel *pg_query.SelectStmt, info *Info, opts Options) {
	if sel == nil {
		return
	}
	for _, t := range sel.GetTargetList() {
		rt := t.GetResTarget()
		if rt == nil {
			continue
		}
		fc := rt.GetVal().GetFuncCall()
		if fc == nil {
			continue
		}
		names := fc.GetFuncname()
		if len(names) == 0 {
			continue
		}
		last := names[len(names)-1].GetString_()
		if last == nil {
			continue
		}
		name := strings.ToLower(last.GetSval())
		info.Functions = append(info.Functions, FunctionRef{Name: name})
		if isSequenceFunction(name) {
			info.TypeMask = (info.TypeMask &^ TypeRead) | TypeWrite
		}
	}
}
