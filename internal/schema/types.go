package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ColumnType is the abstract storage type of a column.
// Dialects map it to concrete SQL types.
type ColumnType int

const (
	ColumnInteger ColumnType = iota
	ColumnReal
	ColumnText
	ColumnBlob
)

func (c ColumnType) String() string {
	switch c {
	case ColumnInteger:
		return "integer"
	case ColumnReal:
		return "real"
	case ColumnText:
		return "text"
	case ColumnBlob:
		return "blob"
	default:
		return fmt.Sprintf("ColumnType(%d)", int(c))
	}
}

// Column describes one database column.
type Column struct {
	Name string
	Type ColumnType
}

// Type is the column-mapping capability for a scalar field kind.
//
// The runtime never embeds type-specific SQL: it asks the field's Type for
// its columns, hands values to Encode to obtain bind parameters, and hands
// scanned column values to Decode. Encode must accept nil (NULL) and Decode
// must return nil for an all-NULL slice.
type Type interface {
	// Name is the type name used in schema files.
	Name() string

	// Columns returns the columns the field occupies in its class table.
	Columns(f *Field) []Column

	// Encode converts a Go value into one bind parameter per column.
	Encode(v any) ([]any, error)

	// Decode converts scanned column values back into a Go value.
	Decode(vals []any) (any, error)

	// Parse converts a textual literal (CLI input) into a Go value.
	Parse(s string) (any, error)
}

// BuiltinTypes returns the scalar types every registry knows.
func BuiltinTypes() []Type {
	return []Type{
		IntType{},
		RealType{},
		StringType{},
		BoolType{},
		TimeType{},
		UUIDType{},
		BytesType{},
		JSONType{},
	}
}

func singleColumn(f *Field, t ColumnType) []Column {
	return []Column{{Name: f.Column, Type: t}}
}

func single(vals []any) (any, error) {
	if len(vals) != 1 {
		return nil, fmt.Errorf("expected 1 column value, got %d", len(vals))
	}
	return vals[0], nil
}

// IntType maps Go integers to an integer column. Values decode as int64.
type IntType struct{}

func (IntType) Name() string { return "int" }
func (IntType) Columns(f *Field) []Column { return singleColumn(f, ColumnInteger) }
func (IntType) Parse(s string) (any, error) { return strconv.ParseInt(s, 10, 64) }

func (IntType) Encode(v any) ([]any, error) {
	n, err := toInt64(v)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return []any{nil}, nil
	}
	return []any{*n}, nil
}

func (IntType) Decode(vals []any) (any, error) {
	raw, err := single(vals)
	if err != nil || raw == nil {
		return nil, err
	}
	switch x := raw.(type) {
	case int64:
		return x, nil
	case float64:
		if x != math.Trunc(x) {
			return nil, fmt.Errorf("int column holds non-integral %v", x)
		}
		return int64(x), nil
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return toInt64Value(raw)
	}
}

func toInt64Value(v any) (any, error) {
	n, err := toInt64(v)
	if err != nil || n == nil {
		return nil, err
	}
	return *n, nil
}

func toInt64(v any) (*int64, error) {
	var n int64
	switch x := v.(type) {
	case nil:
		return nil, nil
	case int:
		n = int64(x)
	case int8:
		n = int64(x)
	case int16:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint8:
		n = int64(x)
	case uint16:
		n = int64(x)
	case uint32:
		n = int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("int value %d overflows int64", x)
		}
		n = int64(x)
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("int value %d overflows int64", x)
		}
		n = int64(x)
	default:
		return nil, fmt.Errorf("cannot encode %T as int", v)
	}
	return &n, nil
}

// RealType maps Go floats to a real column. Values decode as float64.
type RealType struct{}

func (RealType) Name() string { return "real" }
func (RealType) Columns(f *Field) []Column { return singleColumn(f, ColumnReal) }
func (RealType) Parse(s string) (any, error) { return strconv.ParseFloat(s, 64) }

func (RealType) Encode(v any) ([]any, error) {
	switch x := v.(type) {
	case nil:
		return []any{nil}, nil
	case float64:
		return []any{x}, nil
	case float32:
		return []any{float64(x)}, nil
	default:
		n, err := toInt64(v)
		if err != nil {
			return nil, fmt.Errorf("cannot encode %T as real", v)
		}
		return []any{float64(*n)}, nil
	}
}

func (RealType) Decode(vals []any) (any, error) {
	raw, err := single(vals)
	if err != nil || raw == nil {
		return nil, err
	}
	switch x := raw.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case []byte:
		return strconv.ParseFloat(string(x), 64)
	case string:
		return strconv.ParseFloat(x, 64)
	default:
		return nil, fmt.Errorf("cannot decode %T as real", raw)
	}
}

// StringType maps Go strings to a text column.
type StringType struct{}

func (StringType) Name() string { return "string" }
func (StringType) Columns(f *Field) []Column { return singleColumn(f, ColumnText) }
func (StringType) Parse(s string) (any, error) { return s, nil }

func (StringType) Encode(v any) ([]any, error) {
	switch x := v.(type) {
	case nil:
		return []any{nil}, nil
	case string:
		return []any{x}, nil
	case fmt.Stringer:
		return []any{x.String()}, nil
	default:
		return nil, fmt.Errorf("cannot encode %T as string", v)
	}
}

func (StringType) Decode(vals []any) (any, error) {
	raw, err := single(vals)
	if err != nil || raw == nil {
		return nil, err
	}
	switch x := raw.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	default:
		return fmt.Sprint(x), nil
	}
}

// BoolType stores booleans as 0/1 integers.
type BoolType struct{}

func (BoolType) Name() string { return "bool" }
func (BoolType) Columns(f *Field) []Column { return singleColumn(f, ColumnInteger) }
func (BoolType) Parse(s string) (any, error) { return strconv.ParseBool(s) }

func (BoolType) Encode(v any) ([]any, error) {
	switch x := v.(type) {
	case nil:
		return []any{nil}, nil
	case bool:
		if x {
			return []any{int64(1)}, nil
		}
		return []any{int64(0)}, nil
	default:
		return nil, fmt.Errorf("cannot encode %T as bool", v)
	}
}

func (BoolType) Decode(vals []any) (any, error) {
	raw, err := single(vals)
	if err != nil || raw == nil {
		return nil, err
	}
	switch x := raw.(type) {
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case []byte:
		return strconv.ParseBool(string(x))
	case string:
		return strconv.ParseBool(x)
	default:
		return nil, fmt.Errorf("cannot decode %T as bool", raw)
	}
}

// TimeType stores time.Time as fixed-width RFC 3339 text in UTC, so text
// ordering in the database matches time ordering.
type TimeType struct{}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (TimeType) Name() string { return "time" }
func (TimeType) Columns(f *Field) []Column { return singleColumn(f, ColumnText) }

func (TimeType) Parse(s string) (any, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, err
		}
	}
	return t.UTC(), nil
}

func (TimeType) Encode(v any) ([]any, error) {
	switch x := v.(type) {
	case nil:
		return []any{nil}, nil
	case time.Time:
		return []any{x.UTC().Format(timeLayout)}, nil
	case *time.Time:
		if x == nil {
			return []any{nil}, nil
		}
		return []any{x.UTC().Format(timeLayout)}, nil
	default:
		return nil, fmt.Errorf("cannot encode %T as time", v)
	}
}

func (t TimeType) Decode(vals []any) (any, error) {
	raw, err := single(vals)
	if err != nil || raw == nil {
		return nil, err
	}
	switch x := raw.(type) {
	case time.Time:
		return x.UTC(), nil
	case []byte:
		return t.Parse(string(x))
	case string:
		return t.Parse(x)
	default:
		return nil, fmt.Errorf("cannot decode %T as time", raw)
	}
}

// UUIDType stores uuid.UUID values in canonical text form.
type UUIDType struct{}

func (UUIDType) Name() string { return "uuid" }
func (UUIDType) Columns(f *Field) []Column { return singleColumn(f, ColumnText) }

func (UUIDType) Parse(s string) (any, error) {
	return uuid.Parse(s)
}

func (UUIDType) Encode(v any) ([]any, error) {
	switch x := v.(type) {
	case nil:
		return []any{nil}, nil
	case uuid.UUID:
		return []any{x.String()}, nil
	case string:
		id, err := uuid.Parse(x)
		if err != nil {
			return nil, fmt.Errorf("cannot encode %q as uuid: %w", x, err)
		}
		return []any{id.String()}, nil
	default:
		return nil, fmt.Errorf("cannot encode %T as uuid", v)
	}
}

func (UUIDType) Decode(vals []any) (any, error) {
	raw, err := single(vals)
	if err != nil || raw == nil {
		return nil, err
	}
	switch x := raw.(type) {
	case string:
		return uuid.Parse(x)
	case []byte:
		if len(x) == 16 {
			return uuid.FromBytes(x)
		}
		return uuid.ParseBytes(x)
	default:
		return nil, fmt.Errorf("cannot decode %T as uuid", raw)
	}
}

// BytesType stores []byte values in a blob column.
type BytesType struct{}

func (BytesType) Name() string { return "bytes" }
func (BytesType) Columns(f *Field) []Column { return singleColumn(f, ColumnBlob) }
func (BytesType) Parse(s string) (any, error) { return []byte(s), nil }

func (BytesType) Encode(v any) ([]any, error) {
	switch x := v.(type) {
	case nil:
		return []any{nil}, nil
	case []byte:
		if x == nil {
			return []any{nil}, nil
		}
		return []any{append([]byte(nil), x...)}, nil
	case string:
		return []any{[]byte(x)}, nil
	default:
		return nil, fmt.Errorf("cannot encode %T as bytes", v)
	}
}

func (BytesType) Decode(vals []any) (any, error) {
	raw, err := single(vals)
	if err != nil || raw == nil {
		return nil, err
	}
	switch x := raw.(type) {
	case []byte:
		return append([]byte(nil), x...), nil
	case string:
		return []byte(x), nil
	default:
		return nil, fmt.Errorf("cannot decode %T as bytes", raw)
	}
}

// JSONType serializes arbitrary values as JSON text. Decoded values follow
// encoding/json conventions (maps are map[string]any, numbers float64).
type JSONType struct{}

func (JSONType) Name() string { return "json" }
func (JSONType) Columns(f *Field) []Column { return singleColumn(f, ColumnText) }

func (JSONType) Parse(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (JSONType) Encode(v any) ([]any, error) {
	if v == nil {
		return []any{nil}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cannot encode %T as json: %w", v, err)
	}
	return []any{string(b)}, nil
}

func (j JSONType) Decode(vals []any) (any, error) {
	raw, err := single(vals)
	if err != nil || raw == nil {
		return nil, err
	}
	switch x := raw.(type) {
	case string:
		return j.Parse(x)
	case []byte:
		return j.Parse(string(x))
	default:
		return nil, fmt.Errorf("cannot decode %T as json", raw)
	}
}
