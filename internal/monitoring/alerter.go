package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/callpipe/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertAbortRate    AlertType = "abort_rate"
	AlertSevereRate   AlertType = "severe_degradation_rate"
	AlertCostOverrun  AlertType = "cost_overrun"
	AlertBreakersOpen AlertType = "breakers_open"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// Rate alerts need at least MinRuns runs in the window.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	enough := snap.RunsTotal > 0 && snap.RunsTotal >= a.cfg.MinRuns

	if enough && a.cfg.AbortRateThreshold > 0 && snap.AbortRate > a.cfg.AbortRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertAbortRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run abort rate %.1f%% exceeds threshold %.1f%% (%d aborted / %d runs in last %dh)",
				snap.AbortRate*100, a.cfg.AbortRateThreshold*100,
				snap.RunsAborted, snap.RunsTotal, snap.LookbackHours,
			),
			Details: map[string]any{
				"abort_rate": snap.AbortRate,
				"threshold":  a.cfg.AbortRateThreshold,
				"aborted":    snap.RunsAborted,
				"aborted_by": snap.AbortedBy,
				"runs":       snap.RunsTotal,
			},
			Timestamp: now,
		})
	}

	if enough && a.cfg.SevereRateThreshold > 0 && snap.SevereRate > a.cfg.SevereRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertSevereRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Severe degradation rate %.1f%% exceeds threshold %.1f%% in last %dh",
				snap.SevereRate*100, a.cfg.SevereRateThreshold*100, snap.LookbackHours,
			),
			Details: map[string]any{
				"severe_rate": snap.SevereRate,
				"threshold":   a.cfg.SevereRateThreshold,
				"severe":      snap.RunsSevere,
				"runs":        snap.RunsTotal,
			},
			Timestamp: now,
		})
	}

	if a.cfg.CostThresholdUSD > 0 && snap.CostUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"API cost $%.2f exceeds threshold $%.2f in last %dh",
				snap.CostUSD, a.cfg.CostThresholdUSD, snap.LookbackHours,
			),
			Details: map[string]any{
				"cost_usd":      snap.CostUSD,
				"threshold_usd": a.cfg.CostThresholdUSD,
				"runs":          snap.RunsTotal,
			},
			Timestamp: now,
		})
	}

	if len(snap.OpenBreakers) > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertBreakersOpen,
			Severity:  "medium",
			Message:   fmt.Sprintf("Circuit breakers not closed: %s", strings.Join(snap.OpenBreakers, ", ")),
			Details:   map[string]any{"steps": snap.OpenBreakers},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
