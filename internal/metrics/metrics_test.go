package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(webhookEventsTotal.WithLabelValues("card", "duplicate"))
	RecordWebhook("card", "duplicate")
	assert.Equal(t, before+1, testutil.ToFloat64(webhookEventsTotal.WithLabelValues("card", "duplicate")))

	before = testutil.ToFloat64(checkoutRequestsTotal.WithLabelValues("wallet", "created"))
	RecordCheckout("wallet", "created")
	assert.Equal(t, before+1, testutil.ToFloat64(checkoutRequestsTotal.WithLabelValues("wallet", "created")))

	before = testutil.ToFloat64(reconcileResolvedTotal.WithLabelValues("session_expired"))
	RecordReconciled("session_expired")
	assert.Equal(t, before+1, testutil.ToFloat64(reconcileResolvedTotal.WithLabelValues("session_expired")))

	before = testutil.ToFloat64(requestIdentityTotal.WithLabelValues("expired"))
	RecordIdentity("expired")
	assert.Equal(t, before+1, testutil.ToFloat64(requestIdentityTotal.WithLabelValues("expired")))

	before = testutil.ToFloat64(CapturesOnClosedOrdersTotal.WithLabelValues("card", "expired"))
	RecordCaptureOnClosedOrder("card", "expired")
	assert.Equal(t, before+1, testutil.ToFloat64(CapturesOnClosedOrdersTotal.WithLabelValues("card", "expired")))

	before = testutil.ToFloat64(outboxPublishedTotal)
	RecordOutboxPublished(3)
	assert.Equal(t, before+3, testutil.ToFloat64(outboxPublishedTotal))
}
