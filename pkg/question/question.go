package question

import (
	"strconv"
	"strings"
)

type Type string

const (
	TypeSingle  Type = "single"
	TypeMulti   Type = "multi"
	TypeBoolean Type = "boolean"
	TypeText    Type = "text"
)

// Question is one quiz item as supplied by the content collaborator.
// Answer holds the authoritative solution: a choice index for single,
// comma-separated indices for multi, "true"/"false" for boolean, and one or
// more accepted texts separated by "|" for text.
type Question struct {
	ID          string   `yaml:"id" firestore:"id"`
	PoolID      string   `yaml:"poolId" firestore:"poolId"`
	Type        Type     `yaml:"type" firestore:"type"`
	Prompt      string   `yaml:"prompt" firestore:"prompt"`
	Choices     []string `yaml:"choices,omitempty" firestore:"choices"`
	Answer      string   `yaml:"answer" firestore:"answer"`
	Explanation string   `yaml:"explanation,omitempty" firestore:"explanation"`
	Topic       string   `yaml:"topic,omitempty" firestore:"topic"`
}

// Check grades a submitted answer. Grading is intentionally forgiving about
// formatting (case, surrounding whitespace, choice order for multi) and
// strict about content.
func (q *Question) Check(submitted string) bool {
	switch q.Type {
	case TypeSingle:
		return normalize(submitted) == normalize(q.Answer)
	case TypeMulti:
		return indexSet(submitted).equal(indexSet(q.Answer))
	case TypeBoolean:
		sub, ok := parseBool(submitted)
		if !ok {
			return false
		}
		want, ok := parseBool(q.Answer)
		return ok && sub == want
	case TypeText:
		sub := normalize(submitted)
		for _, accepted := range strings.Split(q.Answer, "|") {
			if sub == normalize(accepted) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// normalize lowercases and collapses all whitespace so "  San  Francisco "
// and "san francisco" compare equal.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// parseBool accepts true/false plus the O/X convention used by the mobile
// client for boolean questions.
func parseBool(s string) (val, ok bool) {
	switch normalize(s) {
	case "true", "o":
		return true, true
	case "false", "x":
		return false, true
	default:
		return false, false
	}
}

type choiceSet map[int]struct{}

// indexSet parses comma-separated choice indices; malformed entries are
// dropped so a garbage submission can never equal a well-formed answer.
func indexSet(s string) choiceSet {
	set := make(choiceSet)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		i, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		set[i] = struct{}{}
	}
	return set
}

func (s choiceSet) equal(other choiceSet) bool {
	if len(s) == 0 || len(s) != len(other) {
		return false
	}
	for i := range s {
		if _, ok := other[i]; !ok {
			return false
		}
	}
	return true
}
