package schema

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var lower = cases.Lower(language.Und)

// SQLName folds a class or field name into a portable SQL identifier:
// lower case, with every run of characters outside [a-z0-9_] replaced by a
// single underscore ("Zoo::Animal" becomes "zoo_animal").
func SQLName(name string) string {
	folded := lower.String(name)
	var b strings.Builder
	pending := false
	for _, r := range folded {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return b.String()
}

// DefaultClassTable returns the table name used for a class without an
// explicit table.
func DefaultClassTable(class string) string {
	return SQLName(class)
}

// DefaultTableName returns the side table name for a collection field
// without an explicit table.
func DefaultTableName(class, field string) string {
	return SQLName(class) + "_" + SQLName(field)
}
