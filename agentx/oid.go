package agentx

import (
	"fmt"
	"strconv"
	"strings"
)

// OID is an object identifier, a dotted sequence of sub-identifiers
// addressing a node in the management tree.
type OID []uint32

// ParseOID parses a numeric dotted OID string, with or without a leading
// dot. Symbolic names are not handled here; resolve them through the MIB
// index first.
func ParseOID(s string) (OID, error) {
	trimmed := strings.TrimPrefix(s, ".")
	if trimmed == "" {
		return nil, fmt.Errorf("empty OID %q", s)
	}

	parts := strings.Split(trimmed, ".")
	oid := make(OID, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid OID %q: bad sub-identifier %q", s, part)
		}
		oid = append(oid, uint32(n))
	}
	return oid, nil
}

// MustParseOID is ParseOID for statically known inputs; it panics on error.
func MustParseOID(s string) OID {
	oid, err := ParseOID(s)
	if err != nil {
		panic(err)
	}
	return oid
}

// String renders the OID in dotted form with a leading dot.
func (o OID) String() string {
	if len(o) == 0 {
		return "."
	}
	var b strings.Builder
	for _, sub := range o {
		b.WriteByte('.')
		b.WriteString(strconv.FormatUint(uint64(sub), 10))
	}
	return b.String()
}

// Clone returns an independent copy.
func (o OID) Clone() OID {
	return append(OID(nil), o...)
}

// Append returns a new OID with the given sub-identifiers appended.
func (o OID) Append(subs ...uint32) OID {
	out := make(OID, 0, len(o)+len(subs))
	out = append(out, o...)
	return append(out, subs...)
}

// Compare orders OIDs lexicographically by sub-identifier, with a prefix
// ordering before its extensions. It returns -1, 0 or 1.
func (o OID) Compare(other OID) int {
	n := len(o)
	if len(other) < n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		switch {
		case o[i] < other[i]:
			return -1
		case o[i] > other[i]:
			return 1
		}
	}
	switch {
	case len(o) < len(other):
		return -1
	case len(o) > len(other):
		return 1
	}
	return 0
}

// HasPrefix reports whether the OID starts with prefix.
func (o OID) HasPrefix(prefix OID) bool {
	if len(prefix) > len(o) {
		return false
	}
	for i, sub := range prefix {
		if o[i] != sub {
			return false
		}
	}
	return true
}
