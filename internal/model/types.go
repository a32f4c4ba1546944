package model

import (
	"time"

	"clicktrail/internal/dom"
)

// Record is one tracked interaction as sent to the collection endpoint.
type Record struct {
	UserID            string  `json:"userID"`
	ElementName       string  `json:"elementName"`
	CurrentURL        string  `json:"currentURL"`
	PreviousURL       *string `json:"previousURL"`
	Timestamp         string  `json:"timestamp"`
	TimeBetweenClicks *string `json:"timeBetweenClicks"`
	EntryURL          string  `json:"entryURL"`
	ExitURL           *string `json:"exitURL"`
	SessionStartTime  string  `json:"sessionStartTime"`
	SessionEndTime    *string `json:"sessionEndTime"`
	ScrollDepth       string  `json:"scrollDepth"`
}

// StringPtr returns nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type InteractionKind string

const (
	KindClick    InteractionKind = "click"
	KindBlur     InteractionKind = "blur"
	KindScroll   InteractionKind = "scroll"
	KindChange   InteractionKind = "change"
	KindNavigate InteractionKind = "navigate"
	KindUnload   InteractionKind = "unload"
)

// Interaction is a host UI event handed to the tracker.
type Interaction struct {
	Kind           InteractionKind `json:"kind"`
	URL            string          `json:"url"`
	Target         *dom.Node       `json:"target,omitempty"`
	ControlID      string          `json:"control_id,omitempty"`
	Value          string          `json:"value,omitempty"`
	ScrollY        float64         `json:"scroll_y,omitempty"`
	ScrollHeight   float64         `json:"scroll_height,omitempty"`
	ViewportHeight float64         `json:"viewport_height,omitempty"`
	Source         string          `json:"source,omitempty"`
}

// BatchReceipt summarizes one batch accepted by the collector.
type BatchReceipt struct {
	ReceivedAt time.Time `json:"received_at"`
	Remote     string    `json:"remote"`
	Records    int       `json:"records"`
	UserIDs    []string  `json:"user_ids"`
	Forwarded  bool      `json:"forwarded"`
}
