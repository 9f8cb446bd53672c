package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/maxrdz/Am-I-Alive/internal/daemon"
	"github.com/maxrdz/Am-I-Alive/internal/pow"
	"github.com/rs/zerolog/log"
)

var ErrChannelClosed = errors.New("pulsectl: challenge channel closed before a solution was found")

// RateLimitedError reports a 429 from the server.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("pulsectl: rate limited, retry after %s", e.RetryAfter)
}

// Result is the server's answer to one heartbeat.
type Result struct {
	Status     int    `json:"status"`
	Result     string `json:"result"`
	RetryAfter int64  `json:"retry_after"`
}

// Client submits heartbeats to one server.
type Client struct {
	BaseURL     string
	HTTP        *http.Client
	Dialer      *websocket.Dialer
	MaxAttempts uint64
	// ViaSocket sends the heartbeat on the challenge socket instead of POST.
	ViaSocket bool
}

func (c *Client) socketURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(c.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("pulsectl: server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("pulsectl: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/pow"
	return u.String(), nil
}

// Beat fetches a challenge, solves it and submits req with the solution.
// Solving stops as soon as the server closes the challenge channel.
func (c *Client) Beat(ctx context.Context, req daemon.HeartbeatRequest) (Result, error) {
	wsURL, err := c.socketURL()
	if err != nil {
		return Result{}, err
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return Result{}, &RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
		}
		return Result{}, fmt.Errorf("pulsectl: dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	var ch pow.Challenge
	if err := conn.ReadJSON(&ch); err != nil {
		return Result{}, fmt.Errorf("pulsectl: read challenge: %w", err)
	}
	log.Debug().Str("subject", ch.UserAddress).Str("target", ch.Difficulty).Msg("pulsectl: challenge received")

	solveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := make(chan []byte, 1)
	go func() {
		defer close(inbound)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				cancel()
				return
			}
			inbound <- data
		}
	}()

	started := time.Now()
	res := <-pow.SolveAsync(solveCtx, ch, pow.SolveOptions{MaxAttempts: c.MaxAttempts})
	if res.Err != nil {
		if errors.Is(res.Err, context.Canceled) && ctx.Err() == nil {
			return Result{}, ErrChannelClosed
		}
		return Result{}, res.Err
	}
	log.Info().
		Uint64("attempts", res.Attempts).
		Dur("elapsed", time.Since(started)).
		Msg("pulsectl: challenge solved")
	req.PoW = res.Solution

	if c.ViaSocket {
		if err := conn.WriteJSON(req); err != nil {
			return Result{}, fmt.Errorf("pulsectl: send heartbeat: %w", err)
		}
		select {
		case data, ok := <-inbound:
			if !ok {
				return Result{}, ErrChannelClosed
			}
			var out Result
			if err := json.Unmarshal(data, &out); err != nil {
				return Result{}, fmt.Errorf("pulsectl: decode reply: %w", err)
			}
			return out, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return c.post(ctx, req)
}

func (c *Client) post(ctx context.Context, req daemon.HeartbeatRequest) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+"/api/heartbeat", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	client := c.HTTP
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("pulsectl: post heartbeat: %w", err)
	}
	defer resp.Body.Close()

	var out Result
	_ = json.NewDecoder(resp.Body).Decode(&out)
	out.Status = resp.StatusCode
	if out.RetryAfter == 0 {
		out.RetryAfter = int64(parseRetryAfter(resp.Header.Get("Retry-After")) / time.Second)
	}
	return out, nil
}

func parseRetryAfter(raw string) time.Duration {
	secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
