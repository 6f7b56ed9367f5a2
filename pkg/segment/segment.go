package segment

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Segment is a filter expression restricting which raw visits count toward an
// archive. The empty definition means "all visits". The expression grammar is
// a conjunction of field conditions joined by ";", e.g.
// "device_type==mobile;country==de". Evaluation happens inside the storage
// query layer; this package only carries, validates, combines and hashes
// definitions.
type Segment struct {
	Definition string
}

// None is the no-segment value ("all visits").
var None = Segment{}

var conditionRe = regexp.MustCompile(`^[a-z_]+(==|!=)[^;]+$`)

// New validates and normalizes a segment definition.
func New(definition string) (Segment, error) {
	definition = strings.TrimSpace(definition)
	if definition == "" {
		return None, nil
	}
	for _, cond := range strings.Split(definition, ";") {
		if !conditionRe.MatchString(cond) {
			return Segment{}, fmt.Errorf("invalid segment condition %q", cond)
		}
	}
	return Segment{Definition: definition}, nil
}

func (s Segment) IsEmpty() bool {
	return s.Definition == ""
}

// Hash returns the md5 hex digest of the definition, or "" for the empty
// segment. The hash is embedded in archive done flags so rows for different
// segments never collide.
func (s Segment) Hash() string {
	if s.IsEmpty() {
		return ""
	}
	sum := md5.Sum([]byte(s.Definition))
	return hex.EncodeToString(sum[:])
}

// Combine returns the conjunction of two segments. Used when a dependent
// plugin archive narrows its base plugin's archive with an extra condition.
func Combine(a, b Segment) Segment {
	switch {
	case a.IsEmpty():
		return b
	case b.IsEmpty():
		return a
	default:
		return Segment{Definition: a.Definition + ";" + b.Definition}
	}
}

func (s Segment) String() string {
	if s.IsEmpty() {
		return "(all visits)"
	}
	return s.Definition
}

// DoneFlag encodes segment and plugin into the name distinguishing a
// finalized archive row: "done" for the all-visits/all-plugins archive,
// "done<hash>" for a segment, with ".<Plugin>" appended when the row holds a
// single plugin's records.
func DoneFlag(s Segment, plugin string) string {
	flag := "done" + s.Hash()
	if plugin != "" {
		flag += "." + plugin
	}
	return flag
}
