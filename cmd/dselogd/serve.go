package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xtwoend/bga-dse/internal/consolidate"
	"github.com/xtwoend/bga-dse/internal/errors"
	"github.com/xtwoend/bga-dse/internal/ingest"
	"github.com/xtwoend/bga-dse/internal/loader"
	"github.com/xtwoend/bga-dse/internal/relay"
	"github.com/xtwoend/bga-dse/internal/server"
	"github.com/xtwoend/bga-dse/internal/transport/mqtt"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingest, consolidation and relay pipeline",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if len(cfg.Sources) == 0 {
		return errors.NewMissingField("sources")
	}

	log.Info("dselogd starting", "version", Version, "sources", len(cfg.Sources))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.Close()

	loc, err := loader.Location(cfg)
	if err != nil {
		return err
	}
	jobs, err := loader.ToJobs(cfg)
	if err != nil {
		return err
	}
	consolidator, err := consolidate.New(be.buffer, be.evolver, consolidate.Config{
		Jobs:     jobs,
		Options:  be.options,
		Location: loc,
	})
	if err != nil {
		return err
	}

	// =========================================================================
	// Ingest: MQTT -> dispatcher -> topic handlers -> buffer
	// =========================================================================

	router := ingest.NewRouter()
	subs := make([]mqtt.Subscription, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		h := &ingest.TopicHandler{Prefix: src.Prefix, Group: src.Group, Buffer: be.buffer}
		if err := router.Handle(src.Topic, h); err != nil {
			return err
		}
		subs = append(subs, mqtt.Subscription{Topic: src.Topic, Source: src.Name})
	}

	client := mqtt.New(loader.ToMQTTConfig(&cfg.MQTT))

	var relayer *relay.Relay
	if cfg.Relay.Enabled {
		relayer, err = relay.New(be.buffer, client, loader.ToRelayConfig(cfg))
		if err != nil {
			return err
		}
	}

	dispatcher := ingest.NewDispatcher(router, loader.ToIngestConfig(cfg))
	// Workers outlive the signal so Stop can drain the queue.
	dispatcher.Start(context.WithoutCancel(ctx))

	if err := client.Subscribe(ctx, dispatcher, subs...); err != nil {
		dispatcher.Stop(context.Background())
		return err
	}
	if err := connect(ctx, client, cfg.MQTT.MaxReconnectInterval.Duration()); err != nil {
		dispatcher.Stop(context.Background())
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	// =========================================================================
	// Consolidation, relay and HTTP
	// =========================================================================

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consolidator.Run(gctx) })

	if relayer != nil {
		g.Go(func() error { return relayer.Run(gctx) })
	}

	if cfg.HTTP.Enabled {
		srv := server.New(server.Config{
			Listen: cfg.HTTP.Listen,
			Buffer: be.buffer,
			Tables: be.evolver,
			Checks: map[string]server.CheckFunc{
				"database": be.store.Health,
				"mqtt": func(context.Context) error {
					if !client.IsConnected() {
						return errors.ErrConnectionFailed
					}
					return nil
				},
			},
		})
		g.Go(srv.Run)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	// =========================================================================
	// Shutdown: stop intake, drain the queue, then close storage (deferred)
	// =========================================================================

	err = g.Wait()
	log.Info("shutting down")

	client.Close()

	dctx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout.Duration())
	defer cancel()
	dispatcher.Stop(dctx)

	stats := dispatcher.Stats()
	log.Info("dispatcher stopped",
		"handled", stats.Handled,
		"dropped", stats.Dropped,
		"unrouted", stats.Unrouted,
		"failed", stats.Failed)

	return err
}

// connect retries the first broker connection with capped exponential
// backoff until it succeeds or ctx ends. Later losses are repaired by the
// client itself.
func connect(ctx context.Context, client *mqtt.Client, maxBackoff time.Duration) error {
	backoff := time.Second
	maxBackoff = max(maxBackoff, backoff)
	for {
		err := client.Connect(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("broker unreachable, retrying", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}
