// Package deploy creates and drops the tables a schema maps onto.
//
// Every statement is idempotent (IF NOT EXISTS / IF EXISTS), so deploying
// twice, or deploying over a partially deployed database, is safe. The
// statements declare no foreign keys: a reference cycle is written one row
// at a time, so intermediate states would violate them.
package deploy

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/tangle/internal/backend"
	"github.com/roach88/tangle/internal/errs"
	"github.com/roach88/tangle/internal/schema"
)

// Execer runs a statement.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Statements returns the DDL that creates every table of reg, in
// dependency-free order: class tables, side tables, intrusive indexes, then
// the control table and its seed row.
func Statements(reg *schema.Registry, d backend.Dialect) []string {
	var stmts []string
	var indexes []string

	for _, c := range reg.Classes() {
		var cols []string
		for _, col := range c.Columns() {
			def := col.Name + " " + d.ColumnType(col.Type)
			switch col.Name {
			case schema.IDColumn:
				def += " NOT NULL PRIMARY KEY"
			case schema.TypeColumn:
				def += " NOT NULL"
			}
			cols = append(cols, def)
		}
		stmts = append(stmts, createTable(c.Table, cols))

		for _, f := range c.IntrusiveFields() {
			indexes = append(indexes, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_%s_idx ON %s (%s)",
				c.Table, f.CollColumn, c.Table, f.CollColumn))
		}
	}

	for _, f := range reg.Fields() {
		if f.Table == "" {
			continue
		}
		integer := d.ColumnType(schema.ColumnInteger)
		cols := []string{f.CollColumn + " " + integer + " NOT NULL"}
		var key []string
		switch f.Kind {
		case schema.KindSet:
			cols = append(cols, f.ItemColumn+" "+integer+" NOT NULL")
			key = []string{f.CollColumn, f.ItemColumn}
		case schema.KindArray:
			cols = append(cols, f.ItemColumn+" "+integer+" NOT NULL", f.SlotColumn+" "+integer+" NOT NULL")
			key = []string{f.CollColumn, f.SlotColumn}
		case schema.KindHash:
			cols = append(cols, f.ItemColumn+" "+integer+" NOT NULL", f.KeyColumn+" "+d.ColumnType(schema.ColumnText)+" NOT NULL")
			key = []string{f.CollColumn, f.KeyColumn}
		case schema.KindFlatArray:
			elem := f.Type.Columns(&schema.Field{Column: f.ItemColumn})[0]
			cols = append(cols, f.SlotColumn+" "+integer+" NOT NULL", f.ItemColumn+" "+d.ColumnType(elem.Type))
			key = []string{f.CollColumn, f.SlotColumn}
		}
		cols = append(cols, "PRIMARY KEY ("+strings.Join(key, ", ")+")")
		stmts = append(stmts, createTable(f.Table, cols))
	}

	stmts = append(stmts, indexes...)

	integer := d.ColumnType(schema.ColumnInteger)
	stmts = append(stmts,
		createTable(reg.ControlTable(), []string{
			"id " + integer + " NOT NULL PRIMARY KEY",
			"mark " + integer + " NOT NULL",
		}),
		fmt.Sprintf("INSERT INTO %s (id, mark) VALUES (1, 0) ON CONFLICT DO NOTHING", reg.ControlTable()),
	)
	return stmts
}

func createTable(name string, cols []string) string {
	return "CREATE TABLE IF NOT EXISTS " + name + " (" + strings.Join(cols, ", ") + ")"
}

// RetreatStatements returns the DDL that drops every table of reg.
func RetreatStatements(reg *schema.Registry) []string {
	var tables []string
	for _, c := range reg.Classes() {
		tables = append(tables, c.Table)
	}
	for _, f := range reg.Fields() {
		if f.Table != "" {
			tables = append(tables, f.Table)
		}
	}
	tables = append(tables, reg.ControlTable())
	slices.Reverse(tables)

	stmts := make([]string, len(tables))
	for i, t := range tables {
		stmts[i] = "DROP TABLE IF EXISTS " + t
	}
	return stmts
}

// Deploy creates the tables of reg.
func Deploy(ctx context.Context, db Execer, reg *schema.Registry, d backend.Dialect, logger *slog.Logger) error {
	return run(ctx, db, Statements(reg, d), "deploy", logger)
}

// Retreat drops the tables of reg, deleting all stored objects.
func Retreat(ctx context.Context, db Execer, reg *schema.Registry, logger *slog.Logger) error {
	return run(ctx, db, RetreatStatements(reg), "retreat", logger)
}

func run(ctx context.Context, db Execer, stmts []string, op string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errs.Backend(op, fmt.Errorf("%s: %w", stmt, err))
		}
	}
	logger.Info("schema "+op+" complete", "statements", len(stmts))
	return nil
}
