package match

import (
	"strings"
	"sync/atomic"

	"clicktrail/internal/dom"
)

type Source string

const (
	SourceMarker      Source = "marker"
	SourceID          Source = "id"
	SourceClass       Source = "class"
	SourceText        Source = "text"
	SourcePlaceholder Source = "placeholder"
)

// Match is the outcome of resolving an element against the rule set.
type Match struct {
	Label  string
	Key    string
	Source Source
	// Control is the node that carried the winning value: the marked ancestor for
	// SourceMarker, the target otherwise.
	Control dom.Element
	// Attribute is the marker attribute name for SourceMarker.
	Attribute string
}

// Matcher resolves interaction targets. The rule set can be swapped while in use.
type Matcher struct {
	rules atomic.Value
}

func NewMatcher(rules *Rules) *Matcher {
	m := &Matcher{}
	m.Update(rules)
	return m
}

func (m *Matcher) Update(rules *Rules) {
	if rules == nil {
		rules = NewRules(nil, nil)
	}
	m.rules.Store(rules)
}

func (m *Matcher) Rules() *Rules {
	if v := m.rules.Load(); v != nil {
		return v.(*Rules)
	}
	return nil
}

// Match checks, in order: the nearest marked ancestor-or-self, the id, each class token,
// the trimmed text and the placeholder. The first non-empty value that is a configured
// key wins.
func (m *Matcher) Match(target dom.Element) (Match, bool) {
	return Resolve(target, m.Rules())
}

func Resolve(target dom.Element, rules *Rules) (Match, bool) {
	if target == nil || rules.Len() == 0 {
		return Match{}, false
	}
	if res, ok := resolveMarker(target, rules); ok {
		return res, true
	}
	if res, ok := try(rules, target.ID(), SourceID, target); ok {
		return res, true
	}
	for _, token := range target.Classes() {
		if res, ok := try(rules, token, SourceClass, target); ok {
			return res, true
		}
	}
	if res, ok := try(rules, strings.TrimSpace(target.Text()), SourceText, target); ok {
		return res, true
	}
	if res, ok := try(rules, strings.TrimSpace(target.Placeholder()), SourcePlaceholder, target); ok {
		return res, true
	}
	return Match{}, false
}

func resolveMarker(target dom.Element, rules *Rules) (Match, bool) {
	markers := rules.Markers()
	if len(markers) == 0 {
		return Match{}, false
	}
	marked := dom.Closest(target, markers...)
	if marked == nil {
		return Match{}, false
	}
	for _, attr := range markers {
		value, ok := marked.Attr(attr)
		if !ok {
			continue
		}
		if res, ok := try(rules, strings.TrimSpace(value), SourceMarker, marked); ok {
			res.Attribute = attr
			return res, true
		}
	}
	return Match{}, false
}

func try(rules *Rules, key string, src Source, control dom.Element) (Match, bool) {
	if key == "" {
		return Match{}, false
	}
	label, ok := rules.Label(key)
	if !ok {
		return Match{}, false
	}
	return Match{Label: label, Key: key, Source: src, Control: control}, true
}
