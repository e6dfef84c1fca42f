package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tangle/internal/deploy"
	"github.com/roach88/tangle/internal/schema"
)

// ClassInfo describes a class for the classes command.
type ClassInfo struct {
	Name     string      `json:"name"`
	ID       int         `json:"id"`
	Table    string      `json:"table"`
	Abstract bool        `json:"abstract,omitempty"`
	Bases    []string    `json:"bases,omitempty"`
	Fields   []FieldInfo `json:"fields"`
}

// FieldInfo describes a field for the classes command.
type FieldInfo struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Type      string `json:"type,omitempty"`
	Class     string `json:"class,omitempty"`
	Aggregate bool   `json:"aggregate,omitempty"`
}

func describeClass(c *schema.Class) ClassInfo {
	info := ClassInfo{Name: c.Name, ID: c.ID, Table: c.Table, Abstract: c.Abstract}
	for _, b := range c.Bases {
		info.Bases = append(info.Bases, b.Name)
	}
	for _, f := range c.AllFields() {
		fi := FieldInfo{Name: f.Name, Kind: f.Kind.String(), Aggregate: f.Aggregate}
		if f.Type != nil {
			fi.Type = f.Type.Name()
		}
		if f.Target != nil {
			fi.Class = f.Target.Name
		}
		info.Fields = append(info.Fields, fi)
	}
	return info
}

func (c ClassInfo) text() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (id %d, table %s)", c.Name, c.ID, c.Table)
	if c.Abstract {
		sb.WriteString(" abstract")
	}
	if len(c.Bases) > 0 {
		sb.WriteString(" : " + strings.Join(c.Bases, ", "))
	}
	sb.WriteString("\n")
	for _, f := range c.Fields {
		target := f.Type
		if f.Class != "" {
			target = f.Class
		}
		if f.Kind == schema.KindScalar.String() {
			fmt.Fprintf(&sb, "  %s %s", f.Name, target)
		} else {
			fmt.Fprintf(&sb, "  %s %s<%s>", f.Name, f.Kind, target)
		}
		if f.Aggregate {
			sb.WriteString(" aggregate")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// NewClassesCommand creates the classes command.
func NewClassesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "classes",
		Short: "List the classes of a schema",
		Long: `List every class of the schema with its id, table, bases and fields,
including inherited ones.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			reg, err := rootOpts.registry()
			if err != nil {
				return formatter.Fail("failed to load schema", err)
			}

			infos := make([]ClassInfo, 0, len(reg.Classes()))
			var sb strings.Builder
			for _, c := range reg.Classes() {
				info := describeClass(c)
				infos = append(infos, info)
				sb.WriteString(info.text())
			}
			return formatter.Success(infos, sb.String())
		},
	}
}

// NewDDLCommand creates the ddl command.
func NewDDLCommand(rootOpts *RootOptions) *cobra.Command {
	var retreat bool

	cmd := &cobra.Command{
		Use:   "ddl",
		Short: "Print the DDL for a schema",
		Long: `Print the statements deploy would run for the schema, without
connecting to a database. The dialect comes from --dialect or the config
file and defaults to sqlite3.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			reg, err := rootOpts.registry()
			if err != nil {
				return formatter.Fail("failed to load schema", err)
			}
			d, err := rootOpts.dialect()
			if err != nil {
				return formatter.Fail("failed to resolve dialect", err)
			}

			stmts := deploy.Statements(reg, d)
			if retreat {
				stmts = deploy.RetreatStatements(reg)
			}
			formatter.VerboseLog("%d statement(s) for %s", len(stmts), d.Name)
			return formatter.Success(stmts, strings.Join(stmts, ";\n")+";\n")
		},
	}

	cmd.Flags().BoolVar(&retreat, "retreat", false, "print the DROP statements instead")

	return cmd
}
