package ingest

import (
	"regexp"
	"strconv"
	"strings"

	"clicktrail/internal/dom"
	"clicktrail/internal/model"
)

var reKV = regexp.MustCompile(`([a-zA-Z_]+)=("[^"]*"|\S+)`)

// Parser reads one interaction per line: a JSON object, or a kind followed by key=value
// pairs such as `click id=submit-btn url=http://app/orders`.
type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

func (p *Parser) ParseLine(line string) (*model.Interaction, error) {
	trim := strings.TrimSpace(line)
	if trim == "" || strings.HasPrefix(trim, "#") {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		return ParseInteraction([]byte(trim))
	}
	return parsePlain(trim)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parsePlain(line string) (*model.Interaction, error) {
	head, rest, _ := strings.Cut(line, " ")
	kind, err := ParseKind(head)
	if err != nil {
		return nil, err
	}
	kv := map[string]string{}
	for _, m := range reKV.FindAllStringSubmatch(rest, -1) {
		kv[strings.ToLower(m[1])] = strings.Trim(m[2], `"`)
	}
	ev := &model.Interaction{
		Kind:      kind,
		URL:       kv["url"],
		ControlID: firstNonEmpty(kv, "control", "control_id"),
		Value:     kv["value"],
	}
	ev.ScrollY = parseFloat(kv["scroll_y"])
	ev.ScrollHeight = parseFloat(kv["scroll_height"])
	ev.ViewportHeight = parseFloat(kv["viewport_height"])
	ev.Target = targetFromKV(kv)
	return ev, nil
}

// targetFromKV builds a detached element from id, class, text, placeholder and marker
// attributes given on a plain line.
func targetFromKV(kv map[string]string) *dom.Node {
	attrs := map[string]string{}
	for k, v := range kv {
		switch k {
		case "id", "class", "placeholder":
			attrs[k] = v
		default:
			if strings.HasPrefix(k, "attr_") {
				attrs[strings.ReplaceAll(strings.TrimPrefix(k, "attr_"), "_", "-")] = v
			}
		}
	}
	text := kv["text"]
	if len(attrs) == 0 && text == "" {
		return nil
	}
	tag := firstNonEmpty(kv, "tag")
	if tag == "" {
		tag = "div"
	}
	el := dom.NewElement(tag, attrs)
	if text != "" {
		el.SetText(text)
	}
	return el
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}
