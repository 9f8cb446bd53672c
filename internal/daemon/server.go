package daemon

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/maxrdz/Am-I-Alive/internal/consensus"
	"github.com/maxrdz/Am-I-Alive/internal/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Server is the HTTP surface.
type Server struct {
	core        *Core
	router      *gin.Engine
	corsOrigins []string
	upgrader    websocket.Upgrader
	started     time.Time
	service     string
}

// ServerConfig configures NewServer.
type ServerConfig struct {
	Service        string
	CorsOrigins    []string
	TrustedProxies []string
}

func NewServer(core *Core, cfg ServerConfig) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	origins := normalizeOrigins(cfg.CorsOrigins)
	r.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST"},
		AllowHeaders:  []string{"Origin", "Content-Type"},
		ExposeHeaders: []string{"Retry-After"},
		MaxAge:        12 * time.Hour,
	}))
	if len(cfg.TrustedProxies) == 0 {
		_ = r.SetTrustedProxies(nil)
	} else if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		log.Warn().Err(err).Msg("daemon: invalid trusted proxies, trusting none")
		_ = r.SetTrustedProxies(nil)
	}

	s := &Server{
		core:        core,
		router:      r,
		corsOrigins: origins,
		started:     core.now(),
		service:     cfg.Service,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) RegisterRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  s.core.now().Sub(s.started).Round(time.Second).String(),
			"service": s.service,
			"version": version,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.POST("/heartbeat", s.handleHeartbeat)
	api.GET("/pow", s.handlePoW)
	api.POST("/consensus/vote", s.handleVote)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.core.Status(s.core.now()))
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid heartbeat request"})
		return
	}
	out := s.core.SubmitHeartbeat(c.ClientIP(), req, s.core.now())
	writeOutcome(c, out)
}

func writeOutcome(c *gin.Context, out Outcome) {
	body := gin.H{"result": out.Kind.String()}
	if out.RetryAfter > 0 {
		secs := RetryAfterSeconds(out.RetryAfter)
		c.Header("Retry-After", strconv.FormatInt(secs, 10))
		body["retry_after"] = secs
	}
	if out.Kind == PoWRejected {
		body["verdict"] = out.Verdict.String()
	}
	c.JSON(out.Status(), body)
}

func (s *Server) handleVote(c *gin.Context) {
	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid vote request"})
		return
	}
	res, err := s.core.CastVote(c.ClientIP(), req, s.core.now())
	if err != nil {
		var limited *RateLimitedError
		switch {
		case errors.As(err, &limited):
			secs := RetryAfterSeconds(limited.RetryAfter)
			c.Header("Retry-After", strconv.FormatInt(secs, 10))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited", "retry_after": secs})
		case errors.Is(err, ErrVoterUnauthorized):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		case errors.Is(err, consensus.ErrInvalidChoice):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, consensus.ErrStaleRound), errors.Is(err, consensus.ErrNoOpenRound):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			log.Error().Err(err).Msg("daemon: vote failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	body := gin.H{
		"result":       res.Outcome.String(),
		"round_number": res.Round,
		"state":        res.State.String(),
	}
	if res.NextRound != 0 {
		body["next_round"] = res.NextRound
	}
	c.JSON(http.StatusOK, body)
}

// wsReply is the single result message sent on the challenge socket.
type wsReply struct {
	Status     int    `json:"status"`
	Result     string `json:"result"`
	RetryAfter int64  `json:"retry_after"`
}

// handlePoW pushes one challenge over a WebSocket and optionally accepts the
// heartbeat as the single inbound message.
func (s *Server) handlePoW(c *gin.Context) {
	ip := c.ClientIP()
	now := s.core.now()
	if d := s.core.Limiter.Check(ip, now); !d.Allowed {
		secs := RetryAfterSeconds(d.RetryAfter)
		c.Header("Retry-After", strconv.FormatInt(secs, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited", "retry_after": secs})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Str("ip", ip).Msg("daemon: websocket upgrade failed")
		return
	}
	defer conn.Close()

	sess, err := s.core.Broker.Open(ip, now)
	if err != nil {
		log.Error().Err(err).Msg("daemon: open challenge session")
		closeSocket(conn, websocket.CloseInternalServerErr, "challenge unavailable")
		return
	}
	defer sess.Close()

	ch := <-sess.Challenges()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(ch); err != nil {
		log.Debug().Err(err).Str("session", sess.ID).Msg("daemon: challenge write failed")
		return
	}

	inbound := make(chan []byte, 1)
	go func() {
		defer close(inbound)
		_ = conn.SetReadDeadline(time.Now().Add(s.core.PoW.ValidFor() + pongSlack))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		inbound <- data
	}()

	select {
	case <-sess.Done():
		closeSocket(conn, websocket.CloseNormalClosure, "challenge closed")
	case data, ok := <-inbound:
		if !ok {
			return
		}
		var req HeartbeatRequest
		if err := json.Unmarshal(data, &req); err != nil {
			closeSocket(conn, websocket.CloseUnsupportedData, "invalid heartbeat request")
			return
		}
		out := s.core.SubmitOnSession(sess.ID, ip, req, s.core.now())
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_ = conn.WriteJSON(wsReply{
			Status:     out.Status(),
			Result:     out.Kind.String(),
			RetryAfter: RetryAfterSeconds(out.RetryAfter),
		})
		closeSocket(conn, websocket.CloseNormalClosure, out.Kind.String())
	}
}

const pongSlack = 2 * time.Second

func closeSocket(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.corsOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
