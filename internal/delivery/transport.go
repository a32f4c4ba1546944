package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"clicktrail/internal/config"
	"clicktrail/internal/model"
)

var (
	ErrEmptyBatch     = errors.New("empty batch")
	ErrDeliveryFailed = errors.New("delivery failed")
)

// Transport moves one batch of records to the collection endpoint. A nil error means the
// endpoint acknowledged the batch.
type Transport interface {
	Send(ctx context.Context, records []model.Record) error
	Close() error
}

func NewTransport(cfg config.DeliveryConfig) (Transport, error) {
	switch strings.ToLower(cfg.Transport) {
	case "", config.TransportHTTP:
		return NewHTTPTransport(cfg.ServerURL, cfg.RequestTimeout()), nil
	case config.TransportKafka:
		return NewKafkaTransport(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

type HTTPTransport struct {
	url    string
	client *http.Client
}

func NewHTTPTransport(url string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPTransport{url: url, client: &http.Client{Timeout: timeout}}
}

func (t *HTTPTransport) Send(ctx context.Context, records []model.Record) error {
	if len(records) == 0 {
		return ErrEmptyBatch
	}
	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrDeliveryFailed, resp.StatusCode)
	}
	return nil
}

func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
