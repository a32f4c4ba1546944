package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"clicktrail/internal/buffer"
	"clicktrail/internal/config"
	"clicktrail/internal/delivery"
	"clicktrail/internal/dom"
	"clicktrail/internal/match"
	"clicktrail/internal/metrics"
	"clicktrail/internal/model"
	"clicktrail/internal/normalize"
	"clicktrail/internal/session"
	"clicktrail/internal/storage"
	"clicktrail/internal/watch"
)

// Tracker turns host interactions into buffered records and owns the lifecycle of the
// delivery loop and dropdown watchers for one session.
type Tracker struct {
	logger     *slog.Logger
	metrics    *metrics.Store
	store      storage.Store
	buf        *buffer.Buffer
	pipeline   *delivery.Pipeline
	matcher    *match.Matcher
	normalizer *normalize.Normalizer
	watchers   *watch.Registry
	cfg        atomic.Value

	mu      sync.Mutex
	session *session.Context
	lastURL string
	cancel  context.CancelFunc
	stopped bool
	loops   sync.WaitGroup

	// recordMu keeps normalize+append atomic so buffer order matches session order.
	recordMu sync.Mutex
}

func New(cfg *config.Config, logger *slog.Logger, buf *buffer.Buffer, pipeline *delivery.Pipeline, store storage.Store, metricsStore *metrics.Store) *Tracker {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	t := &Tracker{
		logger:     logger,
		metrics:    metricsStore,
		store:      store,
		buf:        buf,
		pipeline:   pipeline,
		matcher:    match.NewMatcher(rulesFor(cfg)),
		normalizer: normalize.New(nil),
	}
	t.watchers = watch.NewRegistry(t.onWatchedChange, logger)
	t.cfg.Store(cfg)
	return t
}

func rulesFor(cfg *config.Config) *match.Rules {
	return match.NewRules(cfg.Tracking.RuleSet, cfg.Tracking.MarkerAttributes)
}

// SetClock replaces the time source used for record timestamps.
func (t *Tracker) SetClock(clock func() time.Time) {
	t.normalizer = normalize.New(clock)
}

func (t *Tracker) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	t.cfg.Store(cfg)
	t.matcher.Update(rulesFor(cfg))
	t.pipeline.Reconfigure(cfg.Delivery.BufferThreshold, cfg.Delivery.SendImmediate)
	if t.logger != nil {
		t.logger.Info("tracker config updated", "rules", t.matcher.Rules().Len(), "enabled", cfg.Tracking.Enabled)
	}
}

func (t *Tracker) config() *config.Config {
	if v := t.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// Start opens the session. It retries the failed batch left by the previous session once,
// resolves the persisted user id and starts the flush and watcher loops. With tracking
// disabled nothing is read or written.
func (t *Tracker) Start(ctx context.Context, entryURL string) error {
	cfg := t.config()
	if !cfg.Tracking.Enabled {
		if t.logger != nil {
			t.logger.Info("tracking disabled")
		}
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != nil || t.stopped {
		return nil
	}

	if err := t.pipeline.RetryFailed(ctx); err != nil && t.logger != nil {
		t.logger.Error("failed batch retry", "error", err)
	}
	userID, err := session.ResolveUserID(ctx, t.store)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	t.session = session.New(userID, entryURL, t.normalizer.Now())
	t.lastURL = entryURL

	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.loops.Add(2)
	go func() {
		defer t.loops.Done()
		t.pipeline.Run(loopCtx)
	}()
	go func() {
		defer t.loops.Done()
		t.watchers.Run(loopCtx, cfg.Watch.PollInterval())
	}()
	if t.logger != nil {
		t.logger.Info("session started", "user_id", userID, "entry_url", entryURL)
	}
	return nil
}

// Stop ends the session: watchers and loops are released and the buffer is handed to the
// exit beacon. It returns the number of records handed off.
func (t *Tracker) Stop(ctx context.Context, exitURL string) int {
	t.mu.Lock()
	if t.session == nil || t.stopped {
		t.mu.Unlock()
		return 0
	}
	t.stopped = true
	sc := t.session
	cancel := t.cancel
	if exitURL == "" {
		exitURL = t.lastURL
	}
	t.mu.Unlock()

	t.watchers.Close()
	cancel()
	t.loops.Wait()

	t.recordMu.Lock()
	defer t.recordMu.Unlock()
	now := t.normalizer.Now()
	n := t.pipeline.FlushOnExit(ctx, exitURL, now)
	sc.End(now)
	if t.logger != nil {
		t.logger.Info("session ended", "exit_url", exitURL, "records", n)
	}
	return n
}

// active returns the open session, or nil when handlers must do nothing.
func (t *Tracker) active() *session.Context {
	if !t.config().Tracking.Enabled {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil
	}
	return t.session
}

func (t *Tracker) noteURL(url string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if url != "" {
		t.lastURL = url
	}
	return t.lastURL
}

func (t *Tracker) miss(kind model.InteractionKind, reason string) {
	t.metrics.Inc(metrics.InteractionsMiss)
	if t.logger != nil {
		t.logger.Debug("interaction not tracked", "kind", kind, "reason", reason)
	}
}

func (t *Tracker) record(ctx context.Context, sc *session.Context, label, url string) {
	t.recordMu.Lock()
	rec := t.normalizer.Normalize(label, sc, url)
	n, err := t.buf.Append(ctx, rec)
	t.recordMu.Unlock()
	if err != nil {
		if t.logger != nil {
			t.logger.Error("buffer append failed", "element", label, "error", err)
		}
		return
	}
	t.metrics.Inc(metrics.RecordsTracked)
	t.pipeline.SendImmediate(rec)
	t.pipeline.CheckThreshold(n)
}

// HandleClick records a click on a tracked element. Clicks inside a dropdown container
// also start watching that control for selection changes.
func (t *Tracker) HandleClick(ctx context.Context, target *dom.Node, url string) {
	sc := t.active()
	if sc == nil {
		return
	}
	url = t.noteURL(url)
	if target == nil {
		t.miss(model.KindClick, "no target")
		return
	}
	m, ok := t.matcher.Match(target)
	if !ok {
		t.miss(model.KindClick, "unmapped element")
		return
	}
	t.watchDropdown(target)
	t.record(ctx, sc, m.Label, url)
}

func (t *Tracker) watchDropdown(target *dom.Node) {
	attr := t.config().Tracking.DropdownAttribute
	if attr == "" {
		return
	}
	container := dom.Closest(target, attr)
	if container == nil {
		return
	}
	node, ok := container.(*dom.Node)
	if !ok {
		return
	}
	id, _ := node.Attr(attr)
	t.watchers.Subscribe(id, watch.ElementSource(node))
}

// HandleBlur records the value of an input container when focus leaves it.
func (t *Tracker) HandleBlur(ctx context.Context, target *dom.Node, url string) {
	sc := t.active()
	if sc == nil {
		return
	}
	url = t.noteURL(url)
	if target == nil {
		t.miss(model.KindBlur, "no target")
		return
	}
	container := dom.Closest(target, t.config().Tracking.InputAttribute)
	if container == nil {
		t.miss(model.KindBlur, "not an input container")
		return
	}
	m, ok := t.matcher.Match(container)
	if !ok {
		t.miss(model.KindBlur, "unmapped input")
		return
	}
	value := dom.InputValue(container)
	if value == "" {
		t.miss(model.KindBlur, "empty value")
		return
	}
	t.record(ctx, sc, normalize.InputLabel(m.Label, value), url)
}

// HandleScroll feeds the scroll high-water mark. It never produces a record.
func (t *Tracker) HandleScroll(scrollY, scrollHeight, viewportHeight float64) {
	sc := t.active()
	if sc == nil {
		return
	}
	sc.ObserveScroll(scrollY, scrollHeight, viewportHeight)
}

// HandleValueChange records a dropdown selection unless it repeats the value last logged
// for the same control.
func (t *Tracker) HandleValueChange(ctx context.Context, controlID, value, url string) {
	sc := t.active()
	if sc == nil {
		return
	}
	url = t.noteURL(url)
	label, ok := t.matcher.Rules().Label(controlID)
	if !ok {
		t.miss(model.KindChange, "unmapped control")
		return
	}
	if !t.watchers.Observe(controlID, value) {
		return
	}
	t.record(ctx, sc, normalize.ChoiceLabel(label, value), url)
}

func (t *Tracker) onWatchedChange(id, value string) {
	sc := t.active()
	if sc == nil {
		return
	}
	label, ok := t.matcher.Rules().Label(id)
	if !ok {
		// The rule was dropped by a reload; nothing will ever be recorded for this control.
		t.watchers.Unsubscribe(id)
		t.miss(model.KindChange, "unmapped control")
		return
	}
	t.record(context.Background(), sc, normalize.ChoiceLabel(label, value), t.noteURL(""))
}

// HandleNavigate moves the current location. previousURL only advances on tracked events.
func (t *Tracker) HandleNavigate(url string) {
	if t.active() == nil {
		return
	}
	t.noteURL(url)
}

// Process dispatches one decoded interaction.
func (t *Tracker) Process(ctx context.Context, ev model.Interaction) {
	switch ev.Kind {
	case model.KindClick:
		t.HandleClick(ctx, ev.Target, ev.URL)
	case model.KindBlur:
		t.HandleBlur(ctx, ev.Target, ev.URL)
	case model.KindScroll:
		t.HandleScroll(ev.ScrollY, ev.ScrollHeight, ev.ViewportHeight)
	case model.KindChange:
		id, value := t.changeOf(ev)
		t.HandleValueChange(ctx, id, value, ev.URL)
	case model.KindNavigate:
		t.HandleNavigate(ev.URL)
	case model.KindUnload:
		t.Stop(ctx, ev.URL)
	default:
		if t.logger != nil {
			t.logger.Debug("unknown interaction kind", "kind", ev.Kind)
		}
	}
}

// changeOf fills the control id and value of a change event from its target when the
// event does not carry them.
func (t *Tracker) changeOf(ev model.Interaction) (string, string) {
	id, value := ev.ControlID, ev.Value
	if ev.Target == nil || (id != "" && value != "") {
		return id, value
	}
	attr := t.config().Tracking.DropdownAttribute
	container := dom.Closest(ev.Target, attr)
	if container == nil {
		return id, value
	}
	if id == "" {
		id, _ = container.Attr(attr)
	}
	if value == "" {
		value = dom.SelectedValue(container)
	}
	return id, value
}

// Run consumes interactions until ctx is done or in is closed.
func (t *Tracker) Run(ctx context.Context, in <-chan model.Interaction) {
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				return
			}
			t.Process(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

// Session returns the open session or nil.
func (t *Tracker) Session() *session.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}
