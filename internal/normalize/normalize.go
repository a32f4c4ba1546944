package normalize

import (
	"fmt"
	"time"

	"clicktrail/internal/model"
	"clicktrail/internal/session"
)

const clockLayout = "15:04:05"

// Normalizer turns a resolved label into a Record using the session context. It never
// fails: anything unknown is left null.
type Normalizer struct {
	Clock func() time.Time
}

func New(clock func() time.Time) *Normalizer {
	if clock == nil {
		clock = time.Now
	}
	return &Normalizer{Clock: clock}
}

func (n *Normalizer) Now() time.Time {
	if n == nil || n.Clock == nil {
		return time.Now()
	}
	return n.Clock()
}

func (n *Normalizer) Normalize(label string, sc *session.Context, currentURL string) model.Record {
	now := n.Now()
	rec := model.Record{
		ElementName: label,
		CurrentURL:  currentURL,
		Timestamp:   FormatClock(now),
		ScrollDepth: FormatDepth(0),
	}
	if sc == nil {
		return rec
	}
	gap, ok, prev := sc.Advance(now, currentURL)
	if ok {
		rec.TimeBetweenClicks = model.StringPtr(FormatDuration(gap))
	}
	rec.UserID = sc.UserID()
	rec.PreviousURL = model.StringPtr(prev)
	rec.EntryURL = sc.EntryURL()
	rec.SessionStartTime = FormatClock(sc.StartedAt())
	rec.ScrollDepth = FormatDepth(sc.ScrollDepth())
	return rec
}

// InputLabel and ChoiceLabel build element names for value-carrying controls.
func InputLabel(label, value string) string {
	return label + " : " + value
}

func ChoiceLabel(label, value string) string {
	return label + " = " + value
}

func FormatClock(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(clockLayout)
}

// FormatDuration renders d as zero-padded HH:MM:SS. Hours are not wrapped at 24.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func FormatDepth(pct float64) string {
	return fmt.Sprintf("%.2f%%", pct)
}
