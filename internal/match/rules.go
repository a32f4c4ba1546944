package match

import (
	"strings"
)

// Rules is a compiled rule set: match key -> label. Keys with an empty label are dropped.
type Rules struct {
	labels  map[string]string
	markers []string
}

func NewRules(ruleSet map[string]string, markers []string) *Rules {
	return &Rules{labels: buildLabelSet(ruleSet), markers: buildMarkerList(markers)}
}

func buildLabelSet(ruleSet map[string]string) map[string]string {
	if len(ruleSet) == 0 {
		return nil
	}
	set := make(map[string]string, len(ruleSet))
	for key, label := range ruleSet {
		key = strings.TrimSpace(key)
		label = strings.TrimSpace(label)
		if key == "" || label == "" {
			continue
		}
		set[key] = label
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func buildMarkerList(markers []string) []string {
	out := make([]string, 0, len(markers))
	seen := make(map[string]struct{}, len(markers))
	for _, m := range markers {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// Label returns the label for key when the key is configured.
func (r *Rules) Label(key string) (string, bool) {
	if r == nil || r.labels == nil || key == "" {
		return "", false
	}
	label, ok := r.labels[key]
	return label, ok
}

func (r *Rules) Markers() []string {
	if r == nil {
		return nil
	}
	return r.markers
}

func (r *Rules) Len() int {
	if r == nil {
		return 0
	}
	return len(r.labels)
}
