package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/reviewseverywhere/slotsync/pkg/shopify"
)

var _ shopify.Metrics = (*Metrics)(nil)

func TestMetrics_Webhooks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordWebhook("orders/paid", "processed")
	m.RecordWebhook("orders/paid", "processed")
	m.RecordWebhook("orders/paid", "duplicate")
	m.RecordWebhookError("", "auth_failed")
	m.RecordWebhookDuration("orders/paid", 25*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.webhooksTotal.WithLabelValues("orders/paid", "processed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhooksTotal.WithLabelValues("orders/paid", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookErrorsTotal.WithLabelValues("unknown", "auth_failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.webhookDuration, "test_shopify_webhook_duration_seconds"))
}

func TestMetrics_APICalls(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordAPICall("storefront", "customerRecover", "ok")
	m.RecordAPICall("admin", "customerSendAccountInviteEmail", "user_errors")
	m.RecordAPICallDuration("storefront", "customerRecover", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.apiCallsTotal.WithLabelValues("storefront", "customerRecover", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.apiCallsTotal.WithLabelValues("admin", "customerSendAccountInviteEmail", "user_errors")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.apiCallsTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(m.apiCallDuration))
}
