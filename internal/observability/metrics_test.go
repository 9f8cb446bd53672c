package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/health", 200, 12*time.Millisecond)
	RecordHeartbeat("accepted")
	RecordPoWVerdict("stale")
	RecordBruteForceSuspected()
	RecordStoreHeal()
	SetLivenessState(2)
	RecordConsensusRound(RoundOpened)
	RecordVote("dead")
	RecordNotifyFailure("ballot")

	require.Equal(t, float64(2), testutil.ToFloat64(livenessState))
}

func TestMiddlewareRecordsMatchedRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := initLogger(&buf, "test")

	r := gin.New()
	r.Use(RequestLogger(logger), RequestMetricsMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/ping", "204"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, before+1, testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/ping", "204")))
	require.Contains(t, buf.String(), "http_request")
}

func TestConsensusRoundHelpListsRecordedEvents(t *testing.T) {
	RegisterMetrics()
	events := []string{RoundOpened, RoundClosed, RoundResolved, RoundSplit}
	for _, e := range events {
		before := testutil.ToFloat64(consensusRounds.WithLabelValues(e))
		RecordConsensusRound(e)
		require.Equal(t, before+1, testutil.ToFloat64(consensusRounds.WithLabelValues(e)))
	}

	desc := make(chan *prometheus.Desc, 1)
	consensusRounds.Describe(desc)
	help := (<-desc).String()
	for _, e := range events {
		require.True(t, strings.Contains(help, e), "help text %q omits %q", help, e)
	}
	require.NotContains(t, help, "canceled")
}
