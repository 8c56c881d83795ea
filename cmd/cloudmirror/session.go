package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/fruitsalade/cloudmirror/internal/config"
	"github.com/fruitsalade/cloudmirror/internal/decode"
	"github.com/fruitsalade/cloudmirror/internal/fmcache"
	"github.com/fruitsalade/cloudmirror/internal/logging"
	"github.com/fruitsalade/cloudmirror/internal/metrics"
	"github.com/fruitsalade/cloudmirror/internal/mirror"
	"github.com/fruitsalade/cloudmirror/internal/processor"
	"github.com/fruitsalade/cloudmirror/internal/transport"
)

// session is one running mirror with everything it owns.
type session struct {
	cfg    *config.Config
	client *transport.Client
	cache  *fmcache.Cache
	runner *decode.WorkerRunner
	engine *mirror.Engine
	server *http.Server
}

func openSession(ctx context.Context, cfg *config.Config) (*session, error) {
	if cfg.Server.Token == "" {
		return nil, fmt.Errorf("no session token: set server.token or %s_SERVER_TOKEN", config.EnvPrefix)
	}
	self, err := transport.UserFromToken(cfg.Server.Token)
	if err != nil {
		return nil, err
	}
	master, err := cfg.Server.Master()
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	if master == nil {
		return nil, fmt.Errorf("no master key: set server.master_key or %s_SERVER_MASTER_KEY", config.EnvPrefix)
	}

	s := &session{cfg: cfg}
	if cfg.Cache.Enabled {
		if s.cache, err = fmcache.Open(ctx, fmcache.Config{Dir: cfg.Cache.Dir}); err != nil {
			return nil, err
		}
	}

	s.runner = decode.NewWorkerRunner(cfg.Decode.Workers, cfg.Decode.QueueSize)
	s.runner.Start(ctx)

	s.client = transport.New(transport.Config{
		BaseURL:     cfg.Server.URL,
		Timeout:     cfg.Server.Timeout,
		RetryConfig: cfg.Retry,
		AuthToken:   cfg.Server.Token,
	})

	s.engine, err = mirror.New(mirror.Options{
		Self:      self,
		Master:    master,
		Requester: s.client,
		Cache:     s.cache,
		Runner:    s.runner,
		Threshold: cfg.Decode.Threshold,
		Retry:     cfg.Retry,
		Billing: processor.BillingFunc(func(ctx context.Context, raw json.RawMessage) {
			logging.WithContext(ctx).Info("account state changed", zap.ByteString("payload", raw))
		}),
		Session: ulid.Make().String(),
	})
	if err != nil {
		s.close()
		return nil, err
	}

	logging.Info("session opened",
		zap.String("server", cfg.Server.URL),
		zap.String("user", self.String()),
		zap.Bool("cache", s.cache != nil))
	return s, nil
}

// load warm-starts from the cache, or fetches the full tree from the
// server when there is none.
func (s *session) load(ctx context.Context) error {
	warm, err := s.engine.WarmStart(ctx)
	if err != nil {
		logging.Warn("cache unusable, fetching tree", zap.Error(err))
	}
	if warm {
		logging.Info("warm start from cache", zap.Uint64("seq", s.engine.Seq()))
		return nil
	}

	tree, err := s.client.FetchTree(ctx)
	if err != nil {
		return fmt.Errorf("fetch tree: %w", err)
	}
	g, err := mirror.FromTree(tree)
	if err != nil {
		logging.Warn("tree has unusable records", zap.Error(err))
	}
	if _, err := s.engine.LoadInitialGraph(ctx, g); err != nil {
		return err
	}
	return s.engine.SaveCache(ctx)
}

// follow applies the action-packet stream until ctx ends.
func (s *session) follow(ctx context.Context) error {
	stream := transport.NewStream(s.cfg.Server.URL, s.cfg.Server.Token, s.engine.Seq())
	batches, errs := stream.Subscribe(ctx)
	go func() {
		for err := range errs {
			logging.Debug("stream error", zap.Error(err))
		}
	}()

	logging.Info("following action packets", zap.Uint64("from", s.engine.Seq()))
	return s.engine.Run(ctx, batches)
}

func (s *session) serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	s.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server failed", zap.Error(err))
		}
	}()
	logging.Info("metrics listening", zap.String("addr", addr))
}

func (s *session) close() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.server.Shutdown(ctx)
		cancel()
	}
	if s.runner != nil {
		s.runner.Stop()
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			logging.Warn("cache close failed", zap.Error(err))
		}
	}
}
