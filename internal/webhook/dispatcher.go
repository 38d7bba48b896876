// Package webhook implements the outbound webhook dispatcher (C10):
// event-filtered delivery to subscribed endpoints, HMAC-signed, single
// attempt, no retry, no dead-letter (§4.9).
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/fleetota/control-plane/internal/core"
)

// Config configures a Dispatcher from internal/config.WebhookConfig.
type Config struct {
	RequestTimeout time.Duration
	HeaderName     string
}

// Dispatcher enumerates active subscribers for a lifecycle event and POSTs
// each one a signed JSON payload.
type Dispatcher struct {
	repo   core.Repository
	client *http.Client
	timeout time.Duration
	headerName string

	logger  *slog.Logger
	metrics *Metrics
}

// NewDispatcher creates a Dispatcher. The HTTP client pools connections and
// enforces TLS 1.2 as a floor, matching the control plane's other outbound
// HTTP clients.
func NewDispatcher(cfg Config, repo core.Repository, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	headerName := cfg.HeaderName
	if headerName == "" {
		headerName = "X-Webhook-Signature"
	}

	transport := &http.Transport{
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	return &Dispatcher{
		repo:       repo,
		client:     &http.Client{Transport: transport, Timeout: timeout},
		timeout:    timeout,
		headerName: headerName,
		logger:     logger.With("component", "webhook_dispatcher"),
		metrics:    NewMetrics("fleetota"),
	}
}

// Trigger fires event to every active subscriber in the background; it
// never blocks or surfaces delivery failures to the caller (§4.9, §7).
func (d *Dispatcher) Trigger(ctx context.Context, event string, data map[string]interface{}) {
	go d.fanOut(event, data)
}

func (d *Dispatcher) fanOut(event string, data map[string]interface{}) {
	ctx := context.Background()
	hooks, err := d.repo.ListActiveWebhooksForEvent(ctx, event)
	if err != nil {
		d.logger.Error("failed to list webhooks for event", "event", event, "error", err)
		return
	}
	for _, wh := range hooks {
		d.deliver(ctx, wh, event, data, false)
	}
}

// Test sends a synthetic "update.success" event to id, regardless of that
// webhook's subscribed event set (§4.9).
func (d *Dispatcher) Test(ctx context.Context, id string) error {
	wh, err := d.repo.GetWebhook(ctx, id)
	if err != nil {
		return err
	}
	d.deliver(ctx, wh, "update.success", map[string]interface{}{"test": true}, true)
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, wh *core.Webhook, event string, data map[string]interface{}, isTest bool) {
	body, err := json.Marshal(map[string]interface{}{
		"event":     event,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	})
	if err != nil {
		d.logger.Error("failed to marshal webhook payload", "webhook_id", wh.ID, "error", err)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		d.logger.Error("failed to build webhook request", "webhook_id", wh.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))
	if isTest {
		req.Header.Set("X-Webhook-Test", "true")
	}
	if wh.Secret != "" {
		req.Header.Set(d.headerName, "sha256="+sign(wh.Secret, body))
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	latency := time.Since(start)

	statusCode := 0
	success := false
	if err != nil {
		d.logger.Warn("webhook delivery failed", "webhook_id", wh.ID, "url", wh.URL, "error", err)
	} else {
		statusCode = resp.StatusCode
		success = statusCode >= 200 && statusCode < 300
		resp.Body.Close()
	}

	outcome := "failure"
	if success {
		outcome = "success"
	}
	d.metrics.DeliveriesTotal.WithLabelValues(event, outcome).Inc()
	d.metrics.DeliveryLatencySeconds.Observe(latency.Seconds())

	if recErr := d.repo.RecordWebhookDelivery(ctx, wh.ID, statusCode, success, time.Now()); recErr != nil {
		d.logger.Error("failed to record webhook delivery", "webhook_id", wh.ID, "error", recErr)
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
