// Package record defines the resolver's internal DNS value model: canonical
// names, record kinds/classes, tagged record data, and the composite cache
// key used to index the range-cache. Wire encoding/decoding is delegated to
// github.com/miekg/dns; this package only ever sees already-decoded values.
package record

import "strings"

// Name is a canonical lowercase DNS domain name, compared and ordered as a
// byte string. The root name is the empty string and prints as ".".
type Name string

// NewName canonicalizes a name for use as a cache key: lower-cased, with
// any trailing root dot stripped (the root itself is left as "").
func NewName(s string) Name {
	s = strings.ToLower(s)
	if s == "." {
		return ""
	}
	s = strings.TrimSuffix(s, ".")
	return Name(s)
}

// String renders the name the way DNS tooling expects: the root prints as
// ".", everything else is unchanged (no trailing dot is added — callers
// that need FQDN-with-dot form for wire encoding add it themselves).
func (n Name) String() string {
	if n == "" {
		return "."
	}
	return string(n)
}

// Parent returns the name with its leftmost label stripped. The parent of
// the root is the root.
func (n Name) Parent() Name {
	if n == "" {
		return ""
	}
	s := string(n)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return Name(s[i+1:])
	}
	return ""
}

// Less reports whether n sorts before o as a byte string — the same order
// CacheKey.Compare applies to names.
func (n Name) Less(o Name) bool {
	return n < o
}
