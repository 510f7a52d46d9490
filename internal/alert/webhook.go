// Package alert delivers operational events to an external webhook. The
// notifier never blocks a trading path: delivery is fire-and-forget with its
// own timeout, and a missing URL disables it entirely.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"option_trader/internal/config"
	"option_trader/internal/core"
)

const defaultTimeout = 3 * time.Second

// WebhookNotifier posts events as JSON to a configured endpoint.
type WebhookNotifier struct {
	url     string
	timeout time.Duration
	client  *http.Client
	logger  core.ILogger
	wg      sync.WaitGroup
	now     func() time.Time
}

func NewWebhookNotifier(cfg config.AlertConfig, logger core.ILogger) *WebhookNotifier {
	timeout := defaultTimeout
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	return &WebhookNotifier{
		url:     cfg.WebhookURL,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.WithField("component", "alert"),
		now:     time.Now,
	}
}

// Enabled reports whether a webhook URL is configured.
func (n *WebhookNotifier) Enabled() bool { return n.url != "" }

// Notify delivers the event in the background. The caller's context is not
// used for the delivery: alerts raised during shutdown or from an expiring
// pass must still go out.
func (n *WebhookNotifier) Notify(ctx context.Context, event string, fields map[string]interface{}) {
	if !n.Enabled() {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.send(event, fields); err != nil {
			n.logger.Warn("Alert delivery failed", "event", event, "error", err)
		}
	}()
}

// Flush waits for in-flight deliveries, bounded by ctx.
func (n *WebhookNotifier) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *WebhookNotifier) send(event string, fields map[string]interface{}) error {
	payload := map[string]interface{}{
		"event":   event,
		"service": "option_trader",
		"time":    n.now().UTC().Format(time.RFC3339),
		"fields":  fields,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// KillSwitchListener adapts the notifier onto kill-switch transitions.
func KillSwitchListener(n core.IAlertNotifier) core.KillSwitchListener {
	return func(ev core.KillSwitchEvent) {
		event := "kill_switch_cleared"
		if ev.Active {
			event = "kill_switch_triggered"
		}
		n.Notify(context.Background(), event, map[string]interface{}{
			"account":    ev.AccountID,
			"reason":     ev.Reason,
			"manual":     ev.Manual,
			"auto_clear": ev.AutoClear,
			"at":         ev.At.UTC().Format(time.RFC3339),
		})
	}
}
