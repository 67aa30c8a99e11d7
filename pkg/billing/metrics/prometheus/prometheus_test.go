package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mihaimyh/entitlements/pkg/entitlement"
)

func findCounter(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestPrometheusMetrics_NewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	if metrics == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestPrometheusMetrics_WebhookEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordWebhookEvent("stripe", "invoice.paid", "processed")
	metrics.RecordWebhookEvent("stripe", "invoice.paid", "processed")
	metrics.RecordWebhookEvent("stripe", "invoice.paid", "duplicate")
	metrics.RecordWebhookError("stripe", "auth_failed")
	metrics.RecordWebhookProcessingDuration("stripe", "invoice.paid", 20*time.Millisecond)

	got := findCounter(t, reg, "test_billing_webhook_events_total",
		map[string]string{"event_type": "invoice.paid", "status": "processed"})
	if got != 2 {
		t.Errorf("processed events = %v, want 2", got)
	}
	got = findCounter(t, reg, "test_billing_webhook_errors_total", map[string]string{"error_type": "auth_failed"})
	if got != 1 {
		t.Errorf("auth errors = %v, want 1", got)
	}
}

func TestPrometheusMetrics_EntitlementCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordEffect(entitlement.EffectSingle)
	metrics.RecordUnattributable("unknown_price")
	metrics.RecordLedgerWrite("done", entitlement.RecordFailedButContinue.String())
	metrics.RecordPriceCache(true)
	metrics.RecordPriceCache(false)
	metrics.RecordPriceCache(false)

	if got := findCounter(t, reg, "test_entitlement_effects_total", map[string]string{"effect": "single"}); got != 1 {
		t.Errorf("single effects = %v, want 1", got)
	}
	if got := findCounter(t, reg, "test_entitlement_ledger_writes_total",
		map[string]string{"op": "done", "outcome": "record_failed_but_continue"}); got != 1 {
		t.Errorf("failed done writes = %v, want 1", got)
	}
	if got := findCounter(t, reg, "test_entitlement_price_cache_lookups_total", map[string]string{"result": "miss"}); got != 2 {
		t.Errorf("cache misses = %v, want 2", got)
	}
}
