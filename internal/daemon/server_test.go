package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/maxrdz/Am-I-Alive/internal/liveness"
	"github.com/maxrdz/Am-I-Alive/internal/pow"
	"github.com/maxrdz/Am-I-Alive/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *Core, *testClock) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	core, clk := newTestCore(t)
	return NewServer(core, ServerConfig{Service: "Max"}), core, clk
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = testIP + ":40000"
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthAndMetrics(t *testing.T) {
	testlog.Start(t)

	s, _, _ := newTestServer(t)
	w := doJSON(t, s.Handler(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"ok"`)

	w = doJSON(t, s.Handler(), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "amialive_")
}

func TestHeartbeatEndpointStatusCodes(t *testing.T) {
	testlog.Start(t)

	s, core, clk := newTestServer(t)
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/heartbeat", HeartbeatRequest{Password: testPassword})
	require.Equal(t, http.StatusNotAcceptable, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/heartbeat", solvedRequest(t, core, testIP, clk.Now(), "wrong"))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "300", w.Header().Get("Retry-After"))

	w = doJSON(t, h, http.MethodPost, "/api/heartbeat", solvedRequest(t, core, testIP, clk.Now(), testPassword))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "300", w.Header().Get("Retry-After"))

	clk.Advance(5 * time.Minute)
	w = doJSON(t, h, http.MethodPost, "/api/heartbeat", solvedRequest(t, core, testIP, clk.Now(), testPassword))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"result":"accepted"`)

	req := httptest.NewRequest(http.MethodPost, "/api/heartbeat", strings.NewReader("{"))
	req.RemoteAddr = testIP + ":40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	testlog.Start(t)

	s, core, clk := newTestServer(t)
	req := solvedRequest(t, core, testIP, clk.Now(), testPassword)
	req.UpdatedNote = "note"
	req.Message = ""
	require.Equal(t, Accepted, core.SubmitHeartbeat(testIP, req, clk.Now()).Kind)
	clk.Advance(2 * time.Hour)

	w := doJSON(t, s.Handler(), http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var view StatusView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.Equal(t, "ALIVE", view.Status)
	require.Equal(t, "Max checked in 2 hours ago.", view.Message)
	require.Equal(t, "note", *view.ActiveNote)
	require.Len(t, view.History, 1)
	require.Equal(t, "N/A", view.History[0].Message)
	require.Nil(t, view.ConsensusRound)
}

func enterDeadOrMissing(t *testing.T, core *Core, clk *testClock) int {
	t.Helper()
	clk.Advance(25 * time.Hour)
	_, err := core.Machine.Tick(clk.Now())
	require.NoError(t, err)
	clk.Advance(48 * time.Hour)
	_, err = core.Machine.Tick(clk.Now())
	require.NoError(t, err)
	rec := core.Machine.Snapshot()
	require.Equal(t, liveness.DeadOrMissing, rec.State)
	return rec.Round.Number
}

func TestVoteEndpoint(t *testing.T) {
	testlog.Start(t)

	s, core, clk := newTestServer(t)
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/consensus/vote", VoteRequest{RoundNumber: 1, VoterID: "ann", Choice: "dead", Token: "t-ann"})
	require.Equal(t, http.StatusConflict, w.Code, "no round open yet")

	round := enterDeadOrMissing(t, core, clk)

	w = doJSON(t, h, http.MethodPost, "/api/consensus/vote", VoteRequest{RoundNumber: round, VoterID: "ann", Choice: "maybe", Token: "t-ann"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/consensus/vote", VoteRequest{RoundNumber: round + 1, VoterID: "ann", Choice: "dead", Token: "t-ann"})
	require.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/consensus/vote", VoteRequest{RoundNumber: round, VoterID: "ann", Choice: "dead", Token: "t-ann"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"result":"pending"`)

	w = doJSON(t, h, http.MethodPost, "/api/consensus/vote", VoteRequest{RoundNumber: round, VoterID: "bo", Choice: "dead", Token: "t-bo"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"result":"unanimous"`)
	require.Contains(t, w.Body.String(), `"state":"memorial"`)
	require.Equal(t, liveness.Memorial, core.Machine.Snapshot().State)
}

func TestVoteEndpointRejectsBadTokens(t *testing.T) {
	testlog.Start(t)

	s, core, clk := newTestServer(t)
	h := s.Handler()
	round := enterDeadOrMissing(t, core, clk)

	w := doJSON(t, h, http.MethodPost, "/api/consensus/vote", VoteRequest{RoundNumber: round, VoterID: "mallory", Choice: "dead", Token: "x"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// the failed attempt locks the address
	w = doJSON(t, h, http.MethodPost, "/api/consensus/vote", VoteRequest{RoundNumber: round, VoterID: "ann", Choice: "dead", Token: "t-ann"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "300", w.Header().Get("Retry-After"))

	clk.Advance(5 * time.Minute)
	w = doJSON(t, h, http.MethodPost, "/api/consensus/vote", VoteRequest{RoundNumber: round, VoterID: "ann", Choice: "dead", Token: "nope"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Empty(t, core.Machine.Snapshot().Round.Votes)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/pow"
}

func TestChallengeSocketAcceptsHeartbeat(t *testing.T) {
	testlog.Start(t)

	s, core, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	var ch pow.Challenge
	require.NoError(t, conn.ReadJSON(&ch))
	require.Equal(t, "127.0.0.1", ch.UserAddress)
	require.NotEmpty(t, ch.Seed)

	sol, _, err := pow.Solve(context.Background(), ch, pow.SolveOptions{MaxAttempts: 1 << 20})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(HeartbeatRequest{Password: testPassword, Message: "via socket", PoW: sol}))

	var reply wsReply
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, http.StatusOK, reply.Status)
	require.Equal(t, "accepted", reply.Result)

	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	rec := core.Machine.Snapshot()
	require.Equal(t, "via socket", rec.History[0].Message)
	require.Eventually(t, func() bool { return core.Broker.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestChallengeSocketAttemptLeavesSiblingSocketOpen(t *testing.T) {
	testlog.Start(t)

	s, core, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	sibling, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer sibling.Close()
	var first pow.Challenge
	require.NoError(t, sibling.ReadJSON(&first))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()
	var ch pow.Challenge
	require.NoError(t, conn.ReadJSON(&ch))
	require.Eventually(t, func() bool { return core.Broker.Len() == 2 }, time.Second, 5*time.Millisecond)

	sol, _, err := pow.Solve(context.Background(), ch, pow.SolveOptions{MaxAttempts: 1 << 20})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(HeartbeatRequest{Password: testPassword, PoW: sol}))
	var reply wsReply
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, http.StatusOK, reply.Status)

	require.Eventually(t, func() bool { return core.Broker.Len() == 1 }, time.Second, 5*time.Millisecond)
	_ = sibling.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = sibling.ReadMessage()
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout(), "sibling socket must still be open, got %v", err)
}

func TestChallengeSocketClosesWhenAttemptCompletesElsewhere(t *testing.T) {
	testlog.Start(t)

	s, core, clk := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	var ch pow.Challenge
	require.NoError(t, conn.ReadJSON(&ch))

	require.Eventually(t, func() bool { return core.Broker.Len() == 1 }, time.Second, 5*time.Millisecond)
	core.SubmitHeartbeat("127.0.0.1", HeartbeatRequest{}, clk.Now())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestChallengeSocketRateLimitedBeforeUpgrade(t *testing.T) {
	testlog.Start(t)

	s, core, clk := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	core.Limiter.Fail("127.0.0.1", clk.Now())

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "300", resp.Header.Get("Retry-After"))
}

func TestCheckOrigin(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.corsOrigins = []string{"https://alive.example"}

	req := httptest.NewRequest(http.MethodGet, "http://alive.local/api/pow", nil)
	require.True(t, s.checkOrigin(req))

	req.Header.Set("Origin", "https://alive.example")
	require.True(t, s.checkOrigin(req))

	req.Header.Set("Origin", "http://alive.local")
	require.True(t, s.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example")
	require.False(t, s.checkOrigin(req))
}
