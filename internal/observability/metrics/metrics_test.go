package metrics

import (
	"io"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveHTTPRequest(t *testing.T) {
	m := New()
	m.ObserveHTTPRequest("/api/v1/intents", "POST", 200, 20*time.Millisecond)
	m.ObserveHTTPRequest("/api/v1/intents", "POST", 502, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("/api/v1/intents", "POST", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpErrors.WithLabelValues("/api/v1/intents", "POST")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.httpLatency))
}

func TestDomainCounters(t *testing.T) {
	m := New()
	m.ObservePolicyRejection("rate", "spend", "rate")
	m.ObserveExecution("transfer", "success", 21000)
	m.ObserveExecution("deploy_contract", "reverted", 0)
	m.ObserveAudit("passed", 92)
	m.ObserveJob("succeeded")
	m.ObserveQueueWait(250 * time.Millisecond)
	m.ObserveQueueWait(-time.Second)
	m.ObservePayment("accepted")

	oneEther := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	m.SetBalance(new(big.Int).Mul(oneEther, big.NewInt(3)))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.policyRejections.WithLabelValues("rate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("transfer", "success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.balance))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues("succeeded")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.queueWait))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveHTTPRequest("/", "GET", 200, time.Millisecond)
	m.ObservePolicyRejection("rate")
	m.ObserveExecution("swap", "success", 1)
	m.SetBalance(big.NewInt(1))
	m.ObserveAudit("error", 0)
	m.ObserveJob("failed")
	m.ObserveQueueWait(time.Second)
	m.ObservePayment("rejected")
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveExecution("transfer", "success", 21000)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `chimera_intent_executions_total{outcome="success",type="transfer"} 1`)
}
