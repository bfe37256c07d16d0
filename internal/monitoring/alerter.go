package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shelfsight/shelfscan/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertAbortRate   AlertType = "abort_rate"
	AlertCostOverrun AlertType = "cost_overrun"
	AlertDLQDepth    AlertType = "dlq_depth"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds and
// sends alerts via webhook when thresholds are breached.
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
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Abort rate over the window. Fewer than five finished runs is noise.
	finished := snap.RunsDone + snap.RunsEscalated + snap.RunsAborted
	if finished >= 5 && snap.AbortRate > a.cfg.AbortRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertAbortRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run abort rate %.1f%% exceeds threshold %.1f%% (%d aborted / %d finished in last %dh)",
				snap.AbortRate*100, a.cfg.AbortRateThreshold*100,
				snap.RunsAborted, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"abort_rate": snap.AbortRate,
				"threshold":  a.cfg.AbortRateThreshold,
				"aborted":    snap.RunsAborted,
				"finished":   finished,
			},
			Timestamp: now,
		})
	}

	// Fleet-level cost overrun.
	if a.cfg.CostCeilingUSD > 0 && snap.TotalCostUSD > a.cfg.CostCeilingUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"Executor cost $%.2f exceeds threshold $%.2f in last %dh",
				snap.TotalCostUSD, a.cfg.CostCeilingUSD, snap.LookbackHours,
			),
			Details: map[string]any{
				"cost_usd":      snap.TotalCostUSD,
				"threshold_usd": a.cfg.CostCeilingUSD,
				"runs_total":    snap.RunsTotal,
			},
			Timestamp: now,
		})
	}

	// Dead letter backlog.
	if a.cfg.DLQDepthThreshold > 0 && snap.DLQDepth > a.cfg.DLQDepthThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDLQDepth,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Dead letter queue depth %d exceeds threshold %d",
				snap.DLQDepth, a.cfg.DLQDepthThreshold,
			),
			Details: map[string]any{
				"depth":     snap.DLQDepth,
				"threshold": a.cfg.DLQDepthThreshold,
			},
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

// sendWebhook posts a single alert to the webhook URL.
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
		return eris.Wrap(err, "monitoring: send webhook")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
