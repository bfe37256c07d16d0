package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsight/shelfscan/internal/config"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		AbortRateThreshold: 0.30,
		CostCeilingUSD:     100.0,
		DLQDepthThreshold:  10,
	})

	snap := &MetricsSnapshot{
		RunsTotal:     20,
		RunsDone:      18,
		RunsAborted:   2,
		AbortRate:     0.10,
		TotalCostUSD:  40.0,
		DLQDepth:      1,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_AbortRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		AbortRateThreshold: 0.30,
		CostCeilingUSD:     100.0,
	})

	snap := &MetricsSnapshot{
		RunsTotal:     10,
		RunsDone:      6,
		RunsAborted:   4,
		AbortRate:     0.4, // 4/10 = 40%
		TotalCostUSD:  20.0,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertAbortRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_CostOverrun(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		AbortRateThreshold: 0.30,
		CostCeilingUSD:     100.0,
	})

	snap := &MetricsSnapshot{
		RunsTotal:     50,
		RunsDone:      49,
		RunsAborted:   1,
		AbortRate:     0.02,
		TotalCostUSD:  250.0,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCostOverrun, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "$250.00")
}

func TestAlerter_Evaluate_DLQDepth(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		AbortRateThreshold: 0.30,
		DLQDepthThreshold:  10,
	})

	snap := &MetricsSnapshot{
		DLQDepth:      25,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDLQDepth, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		AbortRateThreshold: 0.30,
		CostCeilingUSD:     100.0,
		DLQDepthThreshold:  10,
	})

	snap := &MetricsSnapshot{
		RunsTotal:     10,
		RunsDone:      5,
		RunsAborted:   5,
		AbortRate:     0.5,
		TotalCostUSD:  300.0,
		DLQDepth:      20,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	assert.Len(t, alerts, 3)

	types := make(map[AlertType]bool)
	for _, al := range alerts {
		types[al.Type] = true
	}
	assert.True(t, types[AlertAbortRate])
	assert.True(t, types[AlertCostOverrun])
	assert.True(t, types[AlertDLQDepth])
}

func TestAlerter_Evaluate_MinimumRunsRequired(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		AbortRateThreshold: 0.30,
		CostCeilingUSD:     500.0,
	})

	// Only 3 finished runs — below the 5-run minimum for the abort rate alert.
	snap := &MetricsSnapshot{
		RunsTotal:     3,
		RunsDone:      1,
		RunsAborted:   2,
		AbortRate:     0.666,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_ZeroThresholdsDisabled(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		CostCeilingUSD:    0, // disabled
		DLQDepthThreshold: 0, // disabled
	})

	snap := &MetricsSnapshot{
		TotalCostUSD:  999.0,
		DLQDepth:      999,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertAbortRate, Severity: "high", Message: "test alert 1"},
		{Type: AlertDLQDepth, Severity: "medium", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "",
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertAbortRate, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "http://example.com",
	})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertAbortRate, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}
