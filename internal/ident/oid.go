package ident

import (
	"fmt"
	"strconv"
)

// ClassSpan is the number of class ids an OID can encode.
// The low decimal digits of an OID hold the class id, the rest the sequence
// number allocated from the storage's control table.
const ClassSpan = 1000

// OID identifies a persistent object within a schema.
// The zero OID denotes a transient object.
type OID int64

// Compose builds an OID from a sequence number and a class id.
func Compose(seq int64, classID int) OID {
	return OID(seq*ClassSpan + int64(classID))
}

// ClassID returns the class id encoded in the OID.
func (o OID) ClassID() int {
	return int(int64(o) % ClassSpan)
}

// Seq returns the sequence number encoded in the OID.
func (o OID) Seq() int64 {
	return int64(o) / ClassSpan
}

// IsZero reports whether o is the transient OID.
func (o OID) IsZero() bool {
	return o == 0
}

func (o OID) String() string {
	return strconv.FormatInt(int64(o), 10)
}

// Parse parses the decimal form produced by String.
func Parse(s string) (OID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse oid %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("parse oid %q: must be positive", s)
	}
	return OID(n), nil
}
