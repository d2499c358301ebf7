package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveHTTP(t *testing.T) {
	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "unmatched", "404"))
	ObserveHTTP("GET", "", http.StatusNotFound, 3*time.Millisecond)
	after := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "unmatched", "404"))
	assert.Equal(t, before+1, after)
}

func TestGatewayOutcome(t *testing.T) {
	ok := gatewayCalls.WithLabelValues("select", "planes_moviles", "ok")
	failed := gatewayCalls.WithLabelValues("select", "planes_moviles", "error")
	okBefore, failedBefore := testutil.ToFloat64(ok), testutil.ToFloat64(failed)

	ObserveGatewayCall("select", "planes_moviles", nil, time.Millisecond)
	ObserveGatewayCall("select", "planes_moviles", errors.New("boom"), time.Millisecond)

	assert.Equal(t, okBefore+1, testutil.ToFloat64(ok))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(failed))
}

func TestGauges(t *testing.T) {
	done := InFlight()
	assert.Equal(t, 1.0, testutil.ToFloat64(httpInFlight))
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(httpInFlight))

	SetWorkspaces(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(workspaces))
}

func TestHandlerExposesRegistry(t *testing.T) {
	RecordReload("catalog", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `planmovil_realtime_reloads_total{manager="catalog",outcome="ok"}`)
}
