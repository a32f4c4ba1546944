package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"clicktrail/internal/dom"
	"clicktrail/internal/model"
)

// wireInteraction is the line format. Besides an inline target with its parent chain, a
// line may carry an HTML snapshot of the page and the id of the target inside it.
type wireInteraction struct {
	model.Interaction
	Page     string `json:"page,omitempty"`
	TargetID string `json:"target_id,omitempty"`
}

func ParseInteraction(data []byte) (*model.Interaction, error) {
	var w wireInteraction
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	ev := w.Interaction
	kind, err := ParseKind(string(ev.Kind))
	if err != nil {
		return nil, err
	}
	ev.Kind = kind
	if w.Page != "" && w.TargetID != "" {
		target, err := targetFromPage(w.Page, w.TargetID)
		if err != nil {
			return nil, err
		}
		ev.Target = target
	}
	return &ev, nil
}

func targetFromPage(page, id string) (*dom.Node, error) {
	doc, err := dom.ParseString(page)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	el := dom.FindByID(doc, id)
	if el == nil {
		return nil, fmt.Errorf("target %q not in page", id)
	}
	return el.(*dom.Node), nil
}

func ParseKind(s string) (model.InteractionKind, error) {
	switch k := model.InteractionKind(strings.ToLower(strings.TrimSpace(s))); k {
	case model.KindClick, model.KindBlur, model.KindScroll, model.KindChange, model.KindNavigate, model.KindUnload:
		return k, nil
	default:
		return "", fmt.Errorf("unknown interaction kind %q", s)
	}
}
