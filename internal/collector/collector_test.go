package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"clicktrail/internal/config"
	"clicktrail/internal/history"
	"clicktrail/internal/metrics"
	"clicktrail/internal/model"
	"clicktrail/internal/storage"
)

type fakeForward struct {
	mu   sync.Mutex
	sent int
	err  error
}

func (f *fakeForward) Send(_ context.Context, records []model.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent += len(records)
	return nil
}

func (f *fakeForward) Close() error { return nil }

func newSink(t *testing.T) storage.RecordSink {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "collector.db") + "?_pragma=busy_timeout(5000)"
	s, err := storage.NewSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s.(storage.RecordSink)
}

func newTestServer(t *testing.T, cfg config.CollectorConfig, fwd *fakeForward) (*httptest.Server, *Collector) {
	t.Helper()
	c := New(newSink(t), nil, metrics.NewStore(0), history.NewStore(10), nil)
	if fwd != nil {
		c.forward = fwd
	}
	srv := httptest.NewServer(NewServer(cfg, c, nil, "test").Handler())
	t.Cleanup(srv.Close)
	return srv, c
}

const batch = `[{"userID":"u1","elementName":"Submit Order","currentURL":"http://app/","previousURL":null,"timestamp":"10:00:00","timeBetweenClicks":null,"entryURL":"http://app/","exitURL":null,"sessionStartTime":"09:59:00","sessionEndTime":null,"scrollDepth":"0.00%"},
{"userID":"u2","elementName":"Cancel","currentURL":"http://app/","previousURL":"http://app/","timestamp":"10:00:02","timeBetweenClicks":"00:00:02","entryURL":"http://app/","exitURL":null,"sessionStartTime":"09:59:00","sessionEndTime":null,"scrollDepth":"12.50%"}]`

func TestDecodeBatch(t *testing.T) {
	for _, body := range []string{"", "  ", "{}", `{"userID":"u"}`, "[]", "[1,2"} {
		if _, err := DecodeBatch([]byte(body)); !errors.Is(err, ErrInvalidBatch) {
			t.Fatalf("body %q: expected ErrInvalidBatch, got %v", body, err)
		}
	}
	records, err := DecodeBatch([]byte(batch))
	if err != nil || len(records) != 2 || model.Deref(records[1].TimeBetweenClicks) != "00:00:02" {
		t.Fatalf("decode: %v %+v", err, records)
	}
	if records, err := DecodeBatch([]byte("\n\t " + batch + " \r\n")); err != nil || len(records) != 2 {
		t.Fatalf("padded body: %v %+v", err, records)
	}
}

func TestTrackAcceptsBatch(t *testing.T) {
	fwd := &fakeForward{}
	srv, c := newTestServer(t, config.CollectorConfig{}, fwd)
	resp, err := http.Post(srv.URL+"/track-clickData", "text/plain;charset=UTF-8", strings.NewReader(batch))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	n, err := c.sink.CountRecords(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("stored records: %d %v", n, err)
	}
	if fwd.sent != 2 {
		t.Fatalf("forwarded: %d", fwd.sent)
	}
	receipts := c.history.List(0)
	if len(receipts) != 1 || len(receipts[0].UserIDs) != 2 || !receipts[0].Forwarded {
		t.Fatalf("history: %+v", receipts)
	}
}

func TestTrackRejectsInvalidPayload(t *testing.T) {
	srv, c := newTestServer(t, config.CollectorConfig{}, nil)
	for _, body := range []string{"[]", `{"a":1}`, "not json"} {
		resp, err := http.Post(srv.URL+"/track-clickData", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		var payload map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest || payload["error"] != "Invalid data format or empty payload" {
			t.Fatalf("body %q: status %d payload %v", body, resp.StatusCode, payload)
		}
	}
	if c.metrics.Value(metrics.BatchesRejected) != 3 {
		t.Fatalf("rejections not counted")
	}
	resp, err := http.Get(srv.URL + "/track-clickData")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET should not be allowed, got %d", resp.StatusCode)
	}
}

func TestForwardFailureStillAccepts(t *testing.T) {
	fwd := &fakeForward{err: errors.New("broker down")}
	srv, c := newTestServer(t, config.CollectorConfig{}, fwd)
	resp, err := http.Post(srv.URL+"/track-clickData", "application/json", strings.NewReader(batch))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if c.metrics.Value(metrics.ForwardFailures) != 1 {
		t.Fatalf("forward failure not counted")
	}
}

func TestCORS(t *testing.T) {
	srv, _ := newTestServer(t, config.CollectorConfig{AllowedOrigins: []string{"http://app.local"}}, nil)
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/track-clickData", nil)
	req.Header.Set("Origin", "http://app.local")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "http://app.local" {
		t.Fatalf("preflight: %d %q", resp.StatusCode, resp.Header.Get("Access-Control-Allow-Origin"))
	}
	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/track-clickData", bytes.NewReader([]byte(batch)))
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign origin should be rejected, got %d", resp.StatusCode)
	}
}

func TestStatusAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, config.CollectorConfig{}, nil)
	resp, err := http.Post(srv.URL+"/track-clickData", "application/json", strings.NewReader(batch))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	resp.Body.Close()
	if status.Status != "ok" || status.Stored != 2 || status.Counters[metrics.RecordsReceived] != 2 {
		t.Fatalf("status: %+v", status)
	}

	resp, err = http.Get(srv.URL + "/metrics/" + metrics.RecordsReceived)
	if err != nil {
		t.Fatalf("metric: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metric status: %d", resp.StatusCode)
	}
	resp, err = http.Get(srv.URL + "/metrics/unknown")
	if err != nil {
		t.Fatalf("metric: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown metric status: %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/admin/clear", "application/json", strings.NewReader(`{"target":"batches"}`))
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	resp.Body.Close()
	resp, err = http.Get(srv.URL + "/batches")
	if err != nil {
		t.Fatalf("batches: %v", err)
	}
	var list struct {
		Count int `json:"count"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if list.Count != 0 {
		t.Fatalf("history should be cleared, has %d", list.Count)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, config.CollectorConfig{}, nil)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status: %d", resp.StatusCode)
	}
}
