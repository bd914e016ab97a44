package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

var _ slotsync.Metrics = (*Metrics)(nil)

// find returns the metric family name with labels matching all of want.
func find(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, want) {
				return m
			}
		}
	}
	return nil
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

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	m := find(t, reg, name, labels)
	require.NotNil(t, m, "metric %s %v not found", name, labels)
	return m.GetCounter().GetValue()
}

func TestMetrics_EventLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordEventAcquire("orders/paid", "new")
	m.RecordEventAcquire("orders/paid", "duplicate")
	m.RecordEventAcquire("orders/paid", "duplicate")
	m.RecordEventFinalized("orders/paid", slotsync.EventProcessed)

	assert.Equal(t, 1.0, counterValue(t, reg, "test_webhook_event_acquire_total",
		map[string]string{"topic": "orders/paid", "outcome": "new"}))
	assert.Equal(t, 2.0, counterValue(t, reg, "test_webhook_event_acquire_total",
		map[string]string{"topic": "orders/paid", "outcome": "duplicate"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "test_webhook_event_finalized_total",
		map[string]string{"topic": "orders/paid", "status": "processed"}))
}

func TestMetrics_EntitlementChange(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordEntitlementChange(slotsync.ReasonOrderPaid, 20, 0)
	m.RecordEntitlementChange(slotsync.ReasonOrderReconcile, -5, 0)
	m.RecordEntitlementChange(slotsync.ReasonRefund, 0, 7)

	assert.Equal(t, 20.0, counterValue(t, reg, "test_entitlement_units_purchased_total",
		map[string]string{"reason": slotsync.ReasonOrderPaid, "direction": "up"}))
	assert.Equal(t, 5.0, counterValue(t, reg, "test_entitlement_units_purchased_total",
		map[string]string{"reason": slotsync.ReasonOrderReconcile, "direction": "down"}))
	assert.Equal(t, 7.0, counterValue(t, reg, "test_entitlement_units_refunded_total",
		map[string]string{"reason": slotsync.ReasonRefund}))
}

func TestMetrics_PlanStatusAndIndex(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordPlanStatusChange(slotsync.PlanInactive, slotsync.PlanActive)
	m.RecordIndexSync("conflict")

	assert.Equal(t, 1.0, counterValue(t, reg, "test_plan_status_changes_total",
		map[string]string{"from": "inactive", "to": "active"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "test_email_index_sync_total",
		map[string]string{"outcome": "conflict"}))
}

func TestMetrics_ResolutionErrorsByCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordResolution("index", 2*time.Millisecond, nil)
	m.RecordResolution("none", time.Millisecond, slotsync.ErrIdentityConflict)

	hist := find(t, reg, "test_identity_resolution_duration_seconds", map[string]string{"step": "index"})
	require.NotNil(t, hist)
	assert.Equal(t, uint64(1), hist.GetHistogram().GetSampleCount())
	assert.Equal(t, 1.0, counterValue(t, reg, "test_identity_resolution_errors_total",
		map[string]string{"code": string(slotsync.CodeFailedPrecondition)}))
}

func TestMetrics_StorageAndCircuitBreaker(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordStorageOperation("RunTransaction", 10*time.Millisecond, nil)
	m.RecordStorageOperation("RunTransaction", 10*time.Millisecond, errors.New("unavailable"))
	m.RecordCircuitBreakerStateChange("open")

	assert.Equal(t, 1.0, counterValue(t, reg, "test_storage_operation_errors_total",
		map[string]string{"operation": "RunTransaction"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "test_circuit_breaker_state_changes_total",
		map[string]string{"state": "open"}))
}
