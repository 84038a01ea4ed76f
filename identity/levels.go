package identity

import (
	"fmt"
	"strings"
)

// Level is a vector-of-trust identity confidence level such as "P2".
type Level string

const (
	LevelP0 Level = "P0"
	LevelP1 Level = "P1"
	LevelP2 Level = "P2"
	LevelP3 Level = "P3"
	LevelP4 Level = "P4"
)

var levelRank = map[Level]int{
	LevelP0: 0,
	LevelP1: 1,
	LevelP2: 2,
	LevelP3: 3,
	LevelP4: 4,
}

// ParseLevel validates a textual level.
func ParseLevel(value string) (Level, error) {
	l := Level(strings.ToUpper(strings.TrimSpace(value)))
	if _, ok := levelRank[l]; !ok {
		return "", fmt.Errorf("unknown identity level %q", value)
	}
	return l, nil
}

// Policy decides how an asserted level is compared to the required one.
type Policy string

const (
	// PolicyExact accepts only the configured level.
	PolicyExact Policy = "exact"
	// PolicyMinimum accepts the configured level or any stronger one.
	PolicyMinimum Policy = "minimum"
)

// ParsePolicy validates a textual policy. Empty means PolicyExact.
func ParsePolicy(value string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(value))) {
	case "", PolicyExact:
		return PolicyExact, nil
	case PolicyMinimum:
		return PolicyMinimum, nil
	default:
		return "", fmt.Errorf("unknown assurance policy %q", value)
	}
}

// Satisfies reports whether got meets want under the policy. Unknown levels
// never satisfy anything.
func (p Policy) Satisfies(got, want Level) bool {
	gotRank, ok := levelRank[got]
	if !ok {
		return false
	}
	wantRank, ok := levelRank[want]
	if !ok {
		return false
	}
	if p == PolicyMinimum {
		return gotRank >= wantRank
	}
	return gotRank == wantRank
}

// VectorLevel extracts the identity component of a vector of trust such as
// "Cl.Cm.P2". Vectors without an identity component return "".
func VectorLevel(vector string) Level {
	for _, part := range strings.Split(vector, ".") {
		if _, ok := levelRank[Level(part)]; ok {
			return Level(part)
		}
	}
	return ""
}
