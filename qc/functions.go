package qc

// Built-in function classification tables (spec.md §9 open question:
// "the exact set of built-in functions that suppress a WRITE upgrade is
// encoded as a sorted static table; the source also contains a separate
// per-version (10.2.3+) extension and an Oracle-mode extension. Preserve
// these as explicit tables, not heuristics.") An unknown function defaults
// to WRITE per §4.2.

// readOnlyFunctions is the base whitelist of built-ins that do not force a
// WRITE classification, sorted for readability (lookup uses a map).
var readOnlyFunctions = map[string]bool{
	"abs": true, "acos": true, "ascii": true, "asin": true, "atan": true,
	"atan2": true, "ceil": true, "ceiling": true, "char_length": true,
	"character_length": true, "coalesce": true, "concat": true,
	"concat_ws": true, "cos": true, "cot": true, "crc32": true,
	"date_add": true, "date_format": true, "date_sub": true, "datediff": true,
	"day": true, "dayname": true, "dayofmonth": true, "dayofweek": true,
	"dayofyear": true, "degrees": true, "exp": true, "extract": true,
	"floor": true, "from_unixtime": true, "greatest": true, "hex": true,
	"if": true, "ifnull": true, "instr": true, "isnull": true, "least": true,
	"left": true, "length": true, "locate": true, "log": true, "log10": true,
	"log2": true, "lower": true, "lpad": true, "ltrim": true, "mod": true,
	"now": true, "nullif": true, "pi": true, "position": true, "pow": true,
	"power": true, "radians": true, "rand": true, "replace": true,
	"reverse": true, "right": true, "round": true, "rpad": true,
	"rtrim": true, "sign": true, "sin": true, "soundex": true, "space": true,
	"sqrt": true, "str_to_date": true, "strcmp": true, "substr": true,
	"substring": true, "substring_index": true, "sysdate": true, "tan": true,
	"timediff": true, "timestampdiff": true, "trim": true, "truncate": true,
	"ucase": true, "unix_timestamp": true, "upper": true, "weekday": true,
	"year": true,
}

// readOnlyFunctions103 is the 10.2.3+ extension to the base table.
var readOnlyFunctions103 = map[string]bool{
	"json_extract": true, "json_value": true, "json_query": true,
	"json_exists": true, "json_valid": true, "json_type": true,
	"json_array": true, "json_object": true,
}

// readOnlyFunctionsOracle is the Oracle-SQL-mode extension.
var readOnlyFunctionsOracle = map[string]bool{
	"nvl": true, "nvl2": true, "decode": true, "to_char": true,
	"to_number": true, "to_date": true,
}

// sequenceFunctions always classify WRITE regardless of the whitelist.
var sequenceFunctions = map[string]bool{
	"nextval": true, "currval": true, "lastval": true,
}

// masterReadFunctions force MASTER_READ: reading them from a replica could
// observe a value the session's own writes haven't replicated yet.
var masterReadFunctions = map[string]bool{
	"last_insert_id": true,
	"@@identity":     true,
	"@@last_insert_id": true,
}

// isReadOnlyFunction reports whether name (already lower-cased) is in the
// applicable whitelist for the given mode flags.
func isReadOnlyFunction(name string, oracleMode, post103 bool) bool {
	if readOnlyFunctions[name] {
		return true
	}
	if post103 && readOnlyFunctions103[name] {
		return true
	}
	if oracleMode && readOnlyFunctionsOracle[name] {
		return true
	}
	return false
}

func isSequenceFunction(name string) bool { return sequenceFunctions[name] }

func isMasterReadFunction(name string) bool { return masterReadFunctions[name] }
