package providers

import (
	"fmt"
	"regexp"
)

// ModelList matches model identifiers against a provider capability set,
// e.g. the models that accept tools. It supports two matching modes:
//
//   - Exact match: the model string must equal the rule exactly.
//   - Regex match: the model string is tested against a compiled regexp.
//
// A nil *ModelList matches nothing — callers treat that as "no restriction
// data" and decide their own default.
type ModelList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewModelList compiles the given exact names and regex patterns. Returns
// an error if any pattern fails to compile so that misconfiguration is
// caught at startup.
func NewModelList(exact, patterns []string) (*ModelList, error) {
	l := &ModelList{
		exact: make(map[string]struct{}, len(exact)),
	}

	for _, e := range exact {
		if e != "" {
			l.exact[e] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("model list: invalid pattern %q: %w", p, err)
		}
		l.patterns = append(l.patterns, re)
	}

	return l, nil
}

// MustModelList is NewModelList for package-level defaults with
// known-good patterns.
func MustModelList(exact, patterns []string) *ModelList {
	l, err := NewModelList(exact, patterns)
	if err != nil {
		panic(err)
	}
	return l
}

// Contains reports whether the given model is in the list. Exact rules are
// checked first (O(1)), then regex patterns in order.
func (l *ModelList) Contains(model string) bool {
	if l == nil {
		return false
	}
	if _, ok := l.exact[model]; ok {
		return true
	}
	for _, re := range l.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len returns the total number of rules configured.
func (l *ModelList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.exact) + len(l.patterns)
}
