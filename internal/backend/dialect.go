package backend

import (
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/tangle/internal/schema"
)

// Dialect describes the SQL differences between supported databases.
type Dialect struct {
	// Name selects the dialect in configuration.
	Name string

	// Driver is the database/sql driver name.
	Driver string

	// Column types for each abstract column type.
	Integer string
	Real    string
	Text    string
	Blob    string

	// Transactions reports whether the backend supports transactions. When
	// false, sessions serialize instead.
	Transactions bool

	// dsn adapts a configured DSN and options to the driver's syntax.
	dsn func(dsn string, opts map[string]string) string
}

// SQLite is the default dialect, backed by github.com/mattn/go-sqlite3.
var SQLite = Dialect{
	Name:         "sqlite3",
	Driver:       "sqlite3",
	Integer:      "INTEGER",
	Real:         "REAL",
	Text:         "TEXT",
	Blob:         "BLOB",
	Transactions: true,
	dsn:          sqliteDSN,
}

// DuckDB is backed by github.com/duckdb/duckdb-go/v2.
var DuckDB = Dialect{
	Name:         "duckdb",
	Driver:       "duckdb",
	Integer:      "BIGINT",
	Real:         "DOUBLE",
	Text:         "VARCHAR",
	Blob:         "BLOB",
	Transactions: true,
	dsn:          queryDSN,
}

var dialects = map[string]Dialect{
	SQLite.Name: SQLite,
	"sqlite":    SQLite,
	DuckDB.Name: DuckDB,
}

// LookupDialect returns the dialect registered under name. The empty name
// selects SQLite.
func LookupDialect(name string) (Dialect, error) {
	if name == "" {
		return SQLite, nil
	}
	d, ok := dialects[strings.ToLower(name)]
	if !ok {
		return Dialect{}, fmt.Errorf("unknown dialect %q", name)
	}
	return d, nil
}

// ColumnType maps an abstract column type to the dialect's SQL type.
func (d Dialect) ColumnType(t schema.ColumnType) string {
	switch t {
	case schema.ColumnInteger:
		return d.Integer
	case schema.ColumnReal:
		return d.Real
	case schema.ColumnBlob:
		return d.Blob
	default:
		return d.Text
	}
}

// DSN returns the driver DSN for a configured DSN and options.
func (d Dialect) DSN(dsn string, opts map[string]string) string {
	if d.dsn == nil {
		return dsn
	}
	return d.dsn(dsn, opts)
}

// sqliteDefaults mirror the pragmas the runtime expects: WAL for readers
// alongside the session writer, a busy timeout for lock contention.
var sqliteDefaults = map[string]string{
	"_busy_timeout": "5000",
	"_journal_mode": "WAL",
	"_foreign_keys": "on",
	"_synchronous":  "NORMAL",
}

func sqliteDSN(dsn string, opts map[string]string) string {
	merged := make(map[string]string, len(sqliteDefaults)+len(opts))
	for k, v := range sqliteDefaults {
		merged[k] = v
	}
	for k, v := range opts {
		merged[k] = v
	}
	// Parameters already present in the DSN win over defaults.
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		for _, kv := range strings.Split(dsn[i+1:], "&") {
			k, _, _ := strings.Cut(kv, "=")
			delete(merged, k)
		}
	}
	return queryDSN(dsn, merged)
}

func queryDSN(dsn string, opts map[string]string) string {
	if len(opts) == 0 {
		return dsn
	}
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var sb strings.Builder
	sb.WriteString(dsn)
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, k := range keys {
		sb.WriteString(sep)
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(opts[k])
		sep = "&"
	}
	return sb.String()
}

// Quote renders v as a SQL literal. It is used for display only (logs and
// the CLI's explain output); statements always bind values as parameters.
func (d Dialect) Quote(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case []byte:
		return "X'" + strings.ToUpper(hex.EncodeToString(x)) + "'"
	case bool:
		if x {
			return "1"
		}
		return "0"
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return d.Quote(x.UTC().Format(time.RFC3339Nano))
	case fmt.Stringer:
		return d.Quote(x.String())
	default:
		return d.Quote(fmt.Sprint(x))
	}
}

// Inline substitutes quoted params for the ? placeholders in query.
func (d Dialect) Inline(query string, params []any) string {
	var sb strings.Builder
	i := 0
	inString := false
	for _, r := range query {
		switch {
		case r == '\'':
			inString = !inString
		case r == '?' && !inString && i < len(params):
			sb.WriteString(d.Quote(params[i]))
			i++
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
