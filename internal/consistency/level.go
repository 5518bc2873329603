package consistency

import (
	"strings"

	replerr "georepl/internal/errors"
)

// Level is a consistency guarantee selectable per write.
type Level string

const (
	Strong           Level = "strong"
	Eventual         Level = "eventual"
	BoundedStaleness Level = "bounded-staleness"
	ReadYourWrites   Level = "read-your-writes"
	MonotonicReads   Level = "monotonic-reads"
	Causal           Level = "causal"
)

// Levels lists every supported level.
var Levels = []Level{Strong, Eventual, BoundedStaleness, ReadYourWrites, MonotonicReads, Causal}

// ParseLevel accepts the canonical names plus underscore spellings
// ("bounded_staleness").
func ParseLevel(s string) (Level, error) {
	norm := Level(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	for _, l := range Levels {
		if l == norm {
			return l, nil
		}
	}
	return "", replerr.Newf(replerr.KindValidation, replerr.OpReplicate, "unknown consistency level %q", s)
}

func (l Level) String() string {
	return string(l)
}
