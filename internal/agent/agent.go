package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ofkm/agenthost/internal/api"
	"github.com/ofkm/agenthost/internal/config"
	"github.com/ofkm/agenthost/internal/dispatch"
	"github.com/ofkm/agenthost/internal/docker"
	"github.com/ofkm/agenthost/internal/metrics"
	"github.com/ofkm/agenthost/internal/process"
	"github.com/ofkm/agenthost/internal/registry"
	"github.com/ofkm/agenthost/pkg/types"
)

const (
	// in-flight replies get this long after shutdown before they are dropped
	drainTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

type Agent struct {
	config       *config.Config
	log          logrus.FieldLogger
	store        *registry.Store
	watchers     []*registry.Watcher
	dockerClient *docker.Client
	dispatcher   *dispatch.Dispatcher
	engine       *Engine
	server       *http.Server

	shutdown  chan struct{}
	closeOnce sync.Once
	startTime time.Time
}

func New(cfg *config.Config, log logrus.FieldLogger) *Agent {
	runner := process.NewExecRunner(cfg.Runtime.Timeout, cfg.Runtime.MaxOutput)
	dockerClient := docker.NewClient(cfg.Runtime.DockerBinary, runner)
	store := registry.NewStore()
	replies := NewReplyQueue()

	dispatcher := dispatch.New(store, dockerClient, runner, replies, dispatch.Options{
		AgentCLI: cfg.Runtime.AgentCLI,
		Timeout:  cfg.Runtime.Timeout,
	}, log)

	engine := NewEngine(
		metrics.NewCollector(runner, log),
		NewHTTPTransport(cfg.APIURL, cfg.APIKey, cfg.Debug, log),
		dispatcher,
		replies,
		EngineOptions{HostID: cfg.HostID, Version: cfg.Version, Interval: cfg.HeartbeatInterval},
		log,
	)

	a := &Agent{
		config:       cfg,
		log:          log.WithField("component", "agent"),
		store:        store,
		watchers:     registryWatchers(cfg, store, log),
		dockerClient: dockerClient,
		dispatcher:   dispatcher,
		engine:       engine,
		shutdown:     make(chan struct{}),
		startTime:    time.Now(),
	}

	if cfg.Status.Enabled {
		a.server = &http.Server{
			Addr:              net.JoinHostPort(cfg.Status.ListenAddress, strconv.Itoa(cfg.Status.Port)),
			Handler:           api.NewRouter(cfg, engine, store, dockerClient, log.WithField("component", "api")),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return a
}

func registryWatchers(cfg *config.Config, store *registry.Store, log logrus.FieldLogger) []*registry.Watcher {
	var watchers []*registry.Watcher

	if path := cfg.Registry.File; path != "" {
		load := func(context.Context) ([]types.AgentDescriptor, error) {
			return registry.LoadFile(path)
		}
		watchers = append(watchers, registry.NewWatcher(path, "file", load, store, log))
	}

	if path := cfg.Registry.ComposeFile; path != "" {
		load := func(ctx context.Context) ([]types.AgentDescriptor, error) {
			return registry.LoadCompose(ctx, path)
		}
		watchers = append(watchers, registry.NewWatcher(path, "compose", load, store, log))
	}

	return watchers
}

// Start runs the agent until Stop is called, ctx is done, or the control
// plane rejects the API key.
func (a *Agent) Start(ctx context.Context) error {
	a.log.WithFields(logrus.Fields{
		"host_id": a.config.HostID,
		"version": a.config.Version,
		"api_url": a.config.APIURL,
	}).Info("Starting agenthost")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-a.shutdown:
			a.log.Info("Shutting down agent...")
			cancel()
		case <-ctx.Done():
		}
	}()

	a.loadRegistry(ctx)

	if !a.dockerClient.IsDockerAvailable(ctx) {
		a.log.Warn("Docker is not available, container agents will get error replies")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.engine.Run(gctx)
	})

	if a.config.Registry.Watch {
		for _, w := range a.watchers {
			g.Go(func() error {
				if err := w.Run(gctx); err != nil {
					a.log.WithError(err).Warn("Agent registry hot reload disabled")
				}
				return nil
			})
		}
	}

	if a.server != nil {
		g.Go(func() error {
			a.log.WithField("address", a.server.Addr).Info("Status API listening")
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status API failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	a.engine.Stop()
	a.drain()

	if closeErr := a.dockerClient.Close(); closeErr != nil {
		a.log.WithError(closeErr).Debug("Failed to close docker client")
	}

	a.log.WithField("uptime", time.Since(a.startTime).Round(time.Second)).Info("Agent stopped")
	return err
}

func (a *Agent) loadRegistry(ctx context.Context) {
	for _, w := range a.watchers {
		if err := w.Reload(ctx); err != nil {
			a.log.WithError(err).Warn("Failed to load agent registry")
		}
	}

	if a.store.Len() == 0 {
		a.log.Warn("No agents registered, every message will get a not-found reply")
	}
}

// drain waits for in-flight messages so their subprocesses are not orphaned
// mid-write. Their replies are never sent.
func (a *Agent) drain() {
	if a.dispatcher.InFlight() == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	a.log.WithField("in_flight", a.dispatcher.InFlight()).Info("Waiting for in-flight messages")
	if err := a.dispatcher.Wait(ctx); err != nil {
		a.log.WithField("in_flight", a.dispatcher.InFlight()).Warn("Gave up waiting for in-flight messages")
	}
}

// Stop is safe to call more than once.
func (a *Agent) Stop() {
	a.closeOnce.Do(func() {
		close(a.shutdown)
	})
}

func (a *Agent) Status() types.EngineStatus {
	return a.engine.Status()
}
