package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tangle/internal/backend"
	"github.com/roach88/tangle/internal/filter"
	"github.com/roach88/tangle/internal/ident"
	"github.com/roach88/tangle/internal/storage"
)

// ObjectView is the JSON form of a stored object: its identity and scalar
// fields.
type ObjectView struct {
	OID    string         `json:"oid"`
	Class  string         `json:"class"`
	Values map[string]any `json:"values"`
}

func viewObjects(st *storage.Storage, objs []*storage.Object) ([]ObjectView, string) {
	views := make([]ObjectView, len(objs))
	var sb strings.Builder
	for i, o := range objs {
		views[i] = ObjectView{
			OID:    st.ID(o)[0].String(),
			Class:  o.Class().Name,
			Values: o.Scalars(),
		}
		sb.WriteString(o.String() + "\n")
	}
	return views, sb.String()
}

// NewInsertCommand creates the insert command.
func NewInsertCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "insert <class> [field=value ...]",
		Short: "Insert an object",
		Long: `Insert one object of the class with the given scalar field values and
print its OID.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			st, err := rootOpts.connect(cmd.Context(), cmd, false)
			if err != nil {
				return formatter.Fail("failed to connect", err)
			}
			defer st.Disconnect()

			c, err := st.Registry().Class(args[0])
			if err != nil {
				return formatter.Fail("insert failed", err)
			}
			values, err := parseAssignments(c, args[1:])
			if err != nil {
				return formatter.Fail("insert failed", err)
			}
			o, err := st.New(c.Name, values)
			if err != nil {
				return formatter.Fail("insert failed", err)
			}
			if _, err := st.Insert(cmd.Context(), o); err != nil {
				return formatter.Fail("insert failed", err)
			}
			views, text := viewObjects(st, []*storage.Object{o})
			return formatter.Success(views[0], text)
		},
	}
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <oid> [oid ...]",
		Short:         "Load objects by OID",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			oids := make([]ident.OID, len(args))
			for i, a := range args {
				oid, err := ident.Parse(a)
				if err != nil {
					return formatter.Fail("get failed", badArgument("%v", err))
				}
				oids[i] = oid
			}

			st, err := rootOpts.connect(cmd.Context(), cmd, false)
			if err != nil {
				return formatter.Fail("failed to connect", err)
			}
			defer st.Disconnect()

			objs, err := st.Load(cmd.Context(), oids...)
			if err != nil {
				return formatter.Fail("get failed", err)
			}
			views, text := viewObjects(st, objs)
			return formatter.Success(views, text)
		},
	}
}

// SelectOptions holds flags for the select command.
type SelectOptions struct {
	*RootOptions
	Where   []string
	Order   []string
	Desc    bool
	Limit   int
	Offset  int
	Explain bool
	Stream  bool
}

// NewSelectCommand creates the select command.
func NewSelectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SelectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "select <class>",
		Short: "Query objects of a class",
		Long: `Query the objects of a class and its subclasses.

Conditions are field<op>value with op one of = != < <= > >= ~ (LIKE);
repeat --where to conjoin them. "id" compares OIDs.`,
		Example: `  tangle select Person --where age>30 --order name
  tangle select Person --where name~Ho% --explain`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelect(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Where, "where", "w", nil, "condition field<op>value (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Order, "order", nil, "fields to sort by")
	cmd.Flags().BoolVar(&opts.Desc, "desc", false, "sort descending")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of objects")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "number of objects to skip")
	cmd.Flags().BoolVar(&opts.Explain, "explain", false, "print the SQL instead of running it")
	cmd.Flags().BoolVar(&opts.Stream, "stream", false, "read results through a cursor")

	return cmd
}

func runSelect(opts *SelectOptions, class string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	st, err := opts.connect(ctx, cmd, false)
	if err != nil {
		return formatter.Fail("failed to connect", err)
	}
	defer st.Disconnect()

	r, err := st.Remote(class)
	if err != nil {
		return formatter.Fail("select failed", err)
	}
	where, err := parseWhere(r, opts.Where)
	if err != nil {
		return formatter.Fail("select failed", err)
	}
	f := filter.And(r.IsA(r.Class), where)

	var selOpts []storage.SelectOption
	for _, name := range opts.Order {
		selOpts = append(selOpts, storage.Order(r.Field(name)))
	}
	if opts.Desc {
		selOpts = append(selOpts, storage.Desc())
	}
	if opts.Limit > 0 {
		selOpts = append(selOpts, storage.Limit(opts.Limit))
	}
	if opts.Offset > 0 {
		selOpts = append(selOpts, storage.Offset(opts.Offset))
	}

	if opts.Explain {
		stmt, err := st.Explain(r, f, selOpts...)
		if err != nil {
			return formatter.Fail("explain failed", err)
		}
		d, err := backend.LookupDialect(st.Capabilities().Dialect)
		if err != nil {
			return formatter.Fail("explain failed", err)
		}
		inlined := d.Inline(stmt.SQL, stmt.Params)
		return formatter.Success(inlined, inlined+"\n")
	}

	var objs []*storage.Object
	if opts.Stream {
		cur, err := st.Cursor(ctx, r, f, selOpts...)
		if err != nil {
			return formatter.Fail("select failed", err)
		}
		defer cur.Close()
		for cur.Next(ctx) {
			objs = append(objs, cur.Current())
		}
		if err := cur.Err(); err != nil {
			return formatter.Fail("select failed", err)
		}
	} else {
		objs, err = st.Select(ctx, r, f, selOpts...)
		if err != nil {
			return formatter.Fail("select failed", err)
		}
	}

	formatter.VerboseLog("%d object(s)", len(objs))
	views, text := viewObjects(st, objs)
	return formatter.Success(views, text)
}

// AggregateResult is the JSON form of count and sum.
type AggregateResult struct {
	Class string  `json:"class"`
	Field string  `json:"field,omitempty"`
	Value float64 `json:"value"`
}

// NewCountCommand creates the count command.
func NewCountCommand(rootOpts *RootOptions) *cobra.Command {
	var where []string
	var sum string

	cmd := &cobra.Command{
		Use:   "count <class>",
		Short: "Count objects of a class",
		Long: `Count the objects of a class and its subclasses matching the
conditions. With --sum, add up a numeric field instead.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			ctx := cmd.Context()

			st, err := rootOpts.connect(ctx, cmd, false)
			if err != nil {
				return formatter.Fail("failed to connect", err)
			}
			defer st.Disconnect()

			r, err := st.Remote(args[0])
			if err != nil {
				return formatter.Fail("count failed", err)
			}
			cond, err := parseWhere(r, where)
			if err != nil {
				return formatter.Fail("count failed", err)
			}
			f := filter.And(r.IsA(r.Class), cond)

			if sum != "" {
				total, err := st.Sum(ctx, r.Field(sum), f)
				if err != nil {
					return formatter.Fail("sum failed", err)
				}
				result := AggregateResult{Class: r.Class.Name, Field: sum, Value: total}
				return formatter.Success(result, fmt.Sprintf("%g\n", total))
			}

			n, err := st.Count(ctx, nil, f)
			if err != nil {
				return formatter.Fail("count failed", err)
			}
			result := AggregateResult{Class: r.Class.Name, Value: float64(n)}
			return formatter.Success(result, fmt.Sprintf("%d\n", n))
		},
	}

	cmd.Flags().StringArrayVarP(&where, "where", "w", nil, "condition field<op>value (repeatable)")
	cmd.Flags().StringVar(&sum, "sum", "", "numeric field to add up")

	return cmd
}
