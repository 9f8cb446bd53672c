package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/maxrdz/Am-I-Alive/internal/daemon"
	"github.com/maxrdz/Am-I-Alive/internal/logging"
	"github.com/maxrdz/Am-I-Alive/internal/observability"
)

const passwordEnv = "ALIVE_PASSWORD"

func main() {
	server := flag.String("server", "http://localhost:8080", "server base url")
	message := flag.String("message", "", "message recorded with the heartbeat")
	note := flag.String("note", "", "replace the public note")
	removeNote := flag.Bool("remove-note", false, "clear the public note")
	viaSocket := flag.Bool("socket", false, "submit on the challenge socket instead of POST")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall deadline")
	flag.Parse()

	logging.ConfigureRuntime()
	observability.InitLogger("pulsectl")

	password, err := readPassword()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pulsectl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	c := &Client{BaseURL: *server, ViaSocket: *viaSocket}
	res, err := c.Beat(ctx, daemon.HeartbeatRequest{
		UpdatedNote:       *note,
		RemoveCurrentNote: *removeNote,
		Message:           *message,
		Password:          password,
	})
	var limited *RateLimitedError
	switch {
	case errors.As(err, &limited):
		fmt.Fprintf(os.Stderr, "pulsectl: locked out, retry in %s\n", limited.RetryAfter)
		os.Exit(2)
	case err != nil:
		fmt.Fprintf(os.Stderr, "pulsectl: %v\n", err)
		os.Exit(1)
	}

	switch res.Status {
	case 200:
		fmt.Println("heartbeat accepted")
	case 401:
		fmt.Fprintf(os.Stderr, "pulsectl: wrong password, retry in %ds\n", res.RetryAfter)
		os.Exit(2)
	case 406:
		fmt.Fprintln(os.Stderr, "pulsectl: proof of work rejected")
		os.Exit(1)
	case 429:
		fmt.Fprintf(os.Stderr, "pulsectl: locked out, retry in %ds\n", res.RetryAfter)
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "pulsectl: unexpected status %d (%s)\n", res.Status, res.Result)
		os.Exit(1)
	}
}

func readPassword() (string, error) {
	if p := os.Getenv(passwordEnv); p != "" {
		return p, nil
	}
	fmt.Fprint(os.Stderr, "password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	p := strings.TrimRight(line, "\r\n")
	if p == "" {
		return "", errors.New("empty password")
	}
	return p, nil
}
