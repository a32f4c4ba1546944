package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"clicktrail/internal/buffer"
	"clicktrail/internal/config"
	"clicktrail/internal/delivery"
	"clicktrail/internal/dom"
	"clicktrail/internal/metrics"
	"clicktrail/internal/model"
	"clicktrail/internal/session"
	"clicktrail/internal/storage"
)

const page = `<html><body>
<div id="page">
  <button id="submit-btn" class="btn btn-primary">SUBMIT</button>
  <button class="btn btn-secondary">Back</button>
  <button id="mystery" class="plain">Nothing</button>
  <div click-input-id="company"><input id="company-name" value="ACME"></div>
  <div click-dd-id="order-type"><div id="order-type-value" class="css-1-singleValue">BUY</div></div>
</div>
</body></html>`

type sink struct {
	mu      sync.Mutex
	batches [][]model.Record
}

func (s *sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var batch []model.Record
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.batches = append(s.batches, batch)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *sink) records() []model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Record
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

type harness struct {
	tracker  *Tracker
	buf      *buffer.Buffer
	pipeline *delivery.Pipeline
	store    storage.Store
	sink     *sink
	metrics  *metrics.Store
	doc      *dom.Node
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Tracking.RuleSet = map[string]string{
		"submit-btn":    "Submit Order",
		"btn-secondary": "Cancel",
		"company":       "Company Name",
		"order-type":    "Order Type",
	}
	cfg.Delivery.FlushIntervalMs = int(time.Hour / time.Millisecond)
	cfg.Watch.PollIntervalMs = int(time.Hour / time.Millisecond)
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	s := &sink{}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	store := storage.NewMemory()
	buf := buffer.New(store, nil)
	m := metrics.NewStore(0)
	p := delivery.NewPipeline(buf, delivery.NewHTTPTransport(srv.URL, time.Second), nil, delivery.Options{
		Interval:      cfg.Delivery.FlushInterval(),
		Threshold:     cfg.Delivery.BufferThreshold,
		BeaconTimeout: time.Second,
		Metrics:       m,
	})
	doc, err := dom.ParseString(page)
	if err != nil {
		t.Fatalf("parse page: %v", err)
	}
	tr := New(cfg, nil, buf, p, store, m)
	t.Cleanup(func() {
		tr.Stop(context.Background(), "")
		_ = p.Close(context.Background())
	})
	return &harness{tracker: tr, buf: buf, pipeline: p, store: store, sink: s, metrics: m, doc: doc}
}

func (h *harness) node(t *testing.T, id string) *dom.Node {
	t.Helper()
	el := dom.FindByID(h.doc, id)
	if el == nil {
		t.Fatalf("element %q not found", id)
	}
	return el.(*dom.Node)
}

func (h *harness) byClass(t *testing.T, class string) *dom.Node {
	t.Helper()
	el := dom.Find(h.doc, dom.ClassContains(class))
	if el == nil {
		t.Fatalf("element .%s not found", class)
	}
	return el.(*dom.Node)
}

func (h *harness) start(t *testing.T, entryURL string) {
	t.Helper()
	if err := h.tracker.Start(context.Background(), entryURL); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestClickByIDRecordsLabel(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t, "http://app/orders")
	h.tracker.HandleClick(context.Background(), h.node(t, "submit-btn"), "http://app/orders")

	recs := h.buf.LoadAll(context.Background())
	if len(recs) != 1 {
		t.Fatalf("expected one record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.ElementName != "Submit Order" {
		t.Fatalf("element name: %q", rec.ElementName)
	}
	if rec.TimeBetweenClicks != nil {
		t.Fatalf("first record must have no gap")
	}
	if rec.UserID == "" || rec.EntryURL != "http://app/orders" {
		t.Fatalf("session fields: %+v", rec)
	}
	if model.Deref(rec.PreviousURL) != "http://app/orders" {
		t.Fatalf("previous url starts at entry: %q", model.Deref(rec.PreviousURL))
	}
}

func TestClickByClassToken(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t, "http://app/")
	h.tracker.HandleClick(context.Background(), h.byClass(t, "btn-secondary"), "http://app/")
	recs := h.buf.LoadAll(context.Background())
	if len(recs) != 1 || recs[0].ElementName != "Cancel" {
		t.Fatalf("expected Cancel record, got %+v", recs)
	}
}

func TestUnmappedClickDropped(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t, "http://app/")
	h.tracker.HandleClick(context.Background(), h.node(t, "mystery"), "http://app/")
	if n := h.buf.Len(context.Background()); n != 0 {
		t.Fatalf("unmapped click produced %d records", n)
	}
	if h.metrics.Value(metrics.InteractionsMiss) != 1 {
		t.Fatalf("miss not counted")
	}
}

func TestDisabledWritesNothing(t *testing.T) {
	cfg := testConfig()
	cfg.Tracking.Enabled = false
	h := newHarness(t, cfg)
	h.start(t, "http://app/")
	h.tracker.HandleClick(context.Background(), h.node(t, "submit-btn"), "http://app/")
	h.tracker.HandleValueChange(context.Background(), "order-type", "SELL", "http://app/")
	if n := h.buf.Len(context.Background()); n != 0 {
		t.Fatalf("disabled tracker wrote %d records", n)
	}
	if _, ok, _ := h.store.Get(context.Background(), session.UserIDKey); ok {
		t.Fatalf("disabled tracker persisted a user id")
	}
}

func TestBlurRecordsInputValue(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t, "http://app/")
	h.tracker.HandleBlur(context.Background(), h.node(t, "company-name"), "http://app/")
	recs := h.buf.LoadAll(context.Background())
	if len(recs) != 1 || recs[0].ElementName != "Company Name : ACME" {
		t.Fatalf("blur record: %+v", recs)
	}
}

func TestValueChangeDeduped(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t, "http://app/")
	ctx := context.Background()
	h.tracker.HandleValueChange(ctx, "order-type", "SELL", "http://app/")
	h.tracker.HandleValueChange(ctx, "order-type", "SELL", "http://app/")
	h.tracker.HandleValueChange(ctx, "order-type", "", "http://app/")
	h.tracker.HandleValueChange(ctx, "unknown", "X", "http://app/")
	recs := h.buf.LoadAll(ctx)
	if len(recs) != 1 || recs[0].ElementName != "Order Type = SELL" {
		t.Fatalf("change records: %+v", recs)
	}
}

func TestDropdownClickWatchesSelection(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t, "http://app/")
	value := h.node(t, "order-type-value")
	h.tracker.HandleClick(context.Background(), value, "http://app/")
	value.SetText("SELL")
	if n := h.tracker.watchers.Poll(); n != 1 {
		t.Fatalf("expected one watched change, got %d", n)
	}
	recs := h.buf.LoadAll(context.Background())
	if len(recs) != 2 {
		t.Fatalf("expected click and change records, got %+v", recs)
	}
	if recs[0].ElementName != "Order Type" || recs[1].ElementName != "Order Type = SELL" {
		t.Fatalf("records: %q, %q", recs[0].ElementName, recs[1].ElementName)
	}
}

func TestWatcherDroppedWhenRuleRemoved(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t, "http://app/")
	value := h.node(t, "order-type-value")
	h.tracker.HandleClick(context.Background(), value, "http://app/")
	if h.tracker.watchers.Len() != 1 {
		t.Fatalf("dropdown click should start a watcher")
	}
	cfg := testConfig()
	delete(cfg.Tracking.RuleSet, "order-type")
	h.tracker.UpdateConfig(cfg)
	value.SetText("SELL")
	h.tracker.watchers.Poll()
	if n := h.tracker.watchers.Len(); n != 0 {
		t.Fatalf("unmapped control still watched: %d", n)
	}
	if recs := h.buf.LoadAll(context.Background()); len(recs) != 1 {
		t.Fatalf("only the click should be recorded: %+v", recs)
	}
}

func TestGapAndPreviousURL(t *testing.T) {
	h := newHarness(t, testConfig())
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	h.tracker.SetClock(func() time.Time { return now })
	h.start(t, "http://app/")
	ctx := context.Background()
	btn := h.node(t, "submit-btn")

	h.tracker.HandleClick(ctx, btn, "http://app/a")
	now = now.Add(5 * time.Second)
	h.tracker.HandleNavigate("http://app/b")
	h.tracker.HandleClick(ctx, btn, "http://app/b")

	recs := h.buf.LoadAll(ctx)
	if len(recs) != 2 {
		t.Fatalf("expected two records, got %d", len(recs))
	}
	if got := model.Deref(recs[1].TimeBetweenClicks); got != "00:00:05" {
		t.Fatalf("gap: %q", got)
	}
	if got := model.Deref(recs[1].PreviousURL); got != "http://app/a" {
		t.Fatalf("previous url: %q", got)
	}
	if recs[1].SessionStartTime != "09:00:00" {
		t.Fatalf("session start: %q", recs[1].SessionStartTime)
	}
}

func TestThresholdFlushThenUnload(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t, "http://app/")
	ctx := context.Background()
	btn := h.node(t, "submit-btn")
	for i := 0; i < 25; i++ {
		h.tracker.HandleClick(ctx, btn, "http://app/")
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(h.sink.records()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(h.sink.records()); n < 20 {
		t.Fatalf("threshold flush should deliver at least 20 records, got %d", n)
	}

	handed := h.tracker.Stop(ctx, "http://app/bye")
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	h.pipeline.Wait(waitCtx)

	got := h.sink.records()
	if len(got) != 25 {
		t.Fatalf("expected 25 records delivered exactly once, got %d", len(got))
	}
	if handed > 0 && model.Deref(got[24].ExitURL) != "http://app/bye" {
		t.Fatalf("last record must carry the exit url")
	}
	if n := h.buf.Len(ctx); n != 0 {
		t.Fatalf("buffer not empty after unload: %d", n)
	}
}

func TestUnloadSendsRemainingRecords(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t, "http://app/")
	ctx := context.Background()
	for _, id := range []string{"submit-btn", "submit-btn", "company-name"} {
		h.tracker.HandleClick(ctx, h.node(t, id), "http://app/")
	}
	h.tracker.Process(ctx, model.Interaction{Kind: model.KindUnload, URL: "http://app/bye"})
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	h.pipeline.Wait(waitCtx)

	got := h.sink.records()
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[0].ExitURL != nil || model.Deref(got[2].ExitURL) != "http://app/bye" {
		t.Fatalf("exit url placement: %+v", got)
	}
	if got[2].SessionEndTime == nil {
		t.Fatalf("last record must carry session end time")
	}
	if !h.tracker.Session().Ended() {
		t.Fatalf("session should be ended")
	}
	h.tracker.HandleClick(ctx, h.node(t, "submit-btn"), "http://app/")
	if n := h.buf.Len(ctx); n != 0 {
		t.Fatalf("stopped tracker recorded %d records", n)
	}
}

func TestStartRetriesFailedBatch(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	stale := model.Record{UserID: "u", ElementName: "Submit Order", Timestamp: "08:00:00"}
	if err := h.buf.SaveFailed(ctx, []model.Record{stale}); err != nil {
		t.Fatalf("seed failed batch: %v", err)
	}
	h.start(t, "http://app/")
	got := h.sink.records()
	if len(got) != 1 || got[0].Timestamp != "08:00:00" {
		t.Fatalf("failed batch not retried: %+v", got)
	}
	if len(h.buf.LoadFailed(ctx)) != 0 {
		t.Fatalf("failed slot should be cleared")
	}
}

func TestUpdateConfigSwapsRules(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t, "http://app/")
	ctx := context.Background()
	cfg := testConfig()
	cfg.Tracking.RuleSet = map[string]string{"mystery": "Mystery"}
	h.tracker.UpdateConfig(cfg)
	h.tracker.HandleClick(ctx, h.node(t, "submit-btn"), "http://app/")
	h.tracker.HandleClick(ctx, h.node(t, "mystery"), "http://app/")
	recs := h.buf.LoadAll(ctx)
	if len(recs) != 1 || recs[0].ElementName != "Mystery" {
		t.Fatalf("records after reload: %+v", recs)
	}
}
