package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/maxrdz/Am-I-Alive/internal/auth"
	"github.com/maxrdz/Am-I-Alive/internal/config"
	"github.com/maxrdz/Am-I-Alive/internal/consensus"
	"github.com/maxrdz/Am-I-Alive/internal/liveness"
	"github.com/maxrdz/Am-I-Alive/internal/notify"
	"github.com/maxrdz/Am-I-Alive/internal/observability"
	"github.com/maxrdz/Am-I-Alive/internal/persist"
	"github.com/maxrdz/Am-I-Alive/internal/pow"
	"github.com/maxrdz/Am-I-Alive/internal/ratelimit"
	"github.com/maxrdz/Am-I-Alive/internal/redundant"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

// Service owns the daemon lifecycle.
type Service struct {
	cfg   config.ServerConfig
	clock func() time.Time

	core     *Core
	server   *Server
	snapshot *persist.Store
	natsConn *nats.Conn
}

func NewService(cfg config.ServerConfig) *Service {
	return &Service{cfg: cfg, clock: time.Now}
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.bootstrap(); err != nil {
		return err
	}
	return s.serve(ctx)
}

func (s *Service) Core() *Core {
	return s.core
}

func (s *Service) Server() *Server {
	return s.server
}

// bootstrap builds every collaborator from configuration and restores the
// liveness record from disk.
func (s *Service) bootstrap() error {
	if err := config.ValidateServerConfig(s.cfg); err != nil {
		return err
	}
	boot := s.clock()

	snapshot, err := persist.New(s.cfg.Global.DatabasePath)
	if err != nil {
		return err
	}
	rec, found, err := snapshot.Load(boot)
	if err != nil {
		return err
	}
	if !found {
		log.Info().Str("path", snapshot.Path()).Msg("daemon: no snapshot, starting alive")
	}
	s.snapshot = snapshot

	store := redundant.New(rec, redundant.Options{
		OnHeal: func(int) { observability.RecordStoreHeal() },
	})

	will, err := s.buildWill()
	if err != nil {
		return err
	}
	machine, err := liveness.NewMachine(store, liveness.Config{
		GracePeriod:      config.Duration(s.cfg.State.GracePeriod),
		MaxSilencePeriod: config.Duration(s.cfg.State.MaxSilencePeriod),
		MinimumUptime:    config.Duration(s.cfg.State.MinimumUptime),
		TickInterval:     config.Duration(s.cfg.State.TickInterval),
	}, liveness.Options{
		BootTime:       boot,
		Clock:          s.clock,
		Will:           will,
		ReleaseTimeout: config.Duration(s.cfg.Will.Timeout),
	})
	if err != nil {
		return err
	}
	machine.AddObserver(snapshot.Observer())

	dispatcher, err := s.buildDispatcher()
	if err != nil {
		return err
	}
	voters := make([]consensus.Voter, 0, len(s.cfg.Voters))
	tokens := make(map[string]auth.Validator, len(s.cfg.Voters))
	for _, v := range s.cfg.Voters {
		id := strings.TrimSpace(v.ID)
		voters = append(voters, consensus.Voter{ID: id, Name: v.Name, Address: v.Address})
		tokens[id] = auth.StaticToken{Token: v.Token}
	}
	engine, err := consensus.NewEngine(machine, consensus.Config{
		Voters:          voters,
		Dispatcher:      dispatcher,
		DispatchTimeout: config.Duration(s.cfg.Notify.Timeout),
	})
	if err != nil {
		return err
	}

	target, err := powTarget(s.cfg.PoW)
	if err != nil {
		return err
	}
	powSvc, err := pow.NewService(pow.Config{
		Secret:   []byte(s.cfg.PoW.Secret),
		Target:   target,
		ValidFor: config.Duration(s.cfg.PoW.ValidFor),
	})
	if err != nil {
		return err
	}

	password, err := auth.ParseArgon2Hash(s.cfg.Global.HeartbeatAuthHash)
	if err != nil {
		return fmt.Errorf("global.heartbeat_auth_hash: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		Backoff: ratelimit.BackoffConfig{
			InitialDelay: config.Duration(s.cfg.RateLimit.BaseDelay),
			Multiplier:   2,
			MaxDelay:     config.Duration(s.cfg.RateLimit.MaxDelay),
		},
		GlobalThreshold: s.cfg.RateLimit.Threshold(),
		GlobalWindow:    config.Duration(s.cfg.RateLimit.GlobalWindow),
	}, onSuspicion)

	s.core = &Core{
		Machine:     machine,
		Engine:      engine,
		PoW:         powSvc,
		Broker:      pow.NewBroker(powSvc),
		Limiter:     limiter,
		Password:    password,
		VoterTokens: tokens,
		Display:     displayFromConfig(s.cfg),
		Now:         s.clock,
	}
	s.server = NewServer(s.core, ServerConfig{
		Service:        s.cfg.Global.Name,
		CorsOrigins:    s.cfg.Global.CorsOrigins,
		TrustedProxies: s.cfg.Global.TrustedProxies,
	})

	current := machine.Snapshot()
	log.Info().
		Str("name", s.cfg.Global.Name).
		Str("state", current.State.String()).
		Time("last_heartbeat", current.LastHeartbeatAt).
		Int("voters", len(voters)).
		Str("difficulty", target.Hex()).
		Msg("daemon: bootstrap ready")
	return nil
}

// serve runs the tick loop and HTTP server until ctx is done.
func (s *Service) serve(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.cfg.Global.Addr,
		Handler:           s.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tickDone := make(chan error, 1)
	go func() { tickDone <- s.core.Machine.Run(ctx) }()

	httpErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Global.Addr).Msg("daemon: listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
		close(httpErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-httpErr:
		if ok {
			runErr = fmt.Errorf("daemon: http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.core.Broker.Shutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("daemon: http shutdown")
	}
	if runErr != nil {
		return runErr
	}
	<-tickDone
	s.core.Machine.WaitReleases()
	if s.natsConn != nil {
		_ = s.natsConn.Drain()
	}
	if err := s.snapshot.Save(s.core.Machine.Snapshot()); err != nil {
		log.Error().Err(err).Msg("daemon: final snapshot failed")
	}
	log.Info().Msg("daemon: stopped")
	return nil
}

func (s *Service) buildDispatcher() (consensus.Dispatcher, error) {
	n := s.cfg.Notify
	kind, err := notify.ParseKind(n.Kind)
	if err != nil {
		return nil, err
	}
	switch kind {
	case notify.KindLog:
		return notify.LogDispatcher{}, nil
	case notify.KindWebhook:
		return notify.NewWebhook(n.URL, s.cfg.Global.Name), nil
	case notify.KindNATS:
		nc, err := notify.DialNATS(n.URL, "amialive-"+s.cfg.Global.Name)
		if err != nil {
			return nil, err
		}
		s.natsConn = nc
		return notify.NewNATSDispatcher(nc, n.Subject)
	default:
		return nil, fmt.Errorf("%w: %q is not a vote dispatcher", notify.ErrUnknownKind, kind)
	}
}

func (s *Service) buildWill() (liveness.WillReleaser, error) {
	w := s.cfg.Will
	kind, err := notify.ParseKind(w.Kind)
	if err != nil {
		return nil, err
	}
	switch kind {
	case notify.KindLog:
		return notify.LogWill{Subject: s.cfg.Global.Name}, nil
	case notify.KindWebhook:
		return notify.NewWebhook(w.URL, s.cfg.Global.Name), nil
	case notify.KindExec:
		return notify.NewExecWill(w.Command, w.Args, s.cfg.Global.Name)
	default:
		return nil, fmt.Errorf("%w: %q is not a will releaser", notify.ErrUnknownKind, kind)
	}
}

func powTarget(cfg config.PoWConfig) (pow.Target, error) {
	if strings.TrimSpace(cfg.Target) != "" {
		return pow.ParseTarget(cfg.Target)
	}
	return pow.TargetForDifficulty(cfg.Difficulty)
}

func onSuspicion(sig ratelimit.Suspicion) {
	observability.RecordBruteForceSuspected()
	log.Warn().
		Int("failures", sig.Failures).
		Int("distinct_ips", sig.DistinctKeys).
		Dur("window", sig.Window).
		Msg("daemon: brute force suspected")
}

func displayFromConfig(cfg config.ServerConfig) Display {
	text := make(map[liveness.State]StateText, 5)
	for _, st := range []liveness.State{liveness.Alive, liveness.ProbablyAlive, liveness.DeadOrMissing, liveness.Incapacitated, liveness.Memorial} {
		d := cfg.State.Display(st.String())
		text[st] = StateText{Images: d.Images, Messages: d.Messages}
	}
	return Display{
		Name:     cfg.Global.Name,
		FullName: cfg.Global.FullName,
		Location: cfg.Global.Location(),
		Text:     text,
	}
}
