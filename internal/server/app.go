// Package server wires the membersync worker: database, credential codec,
// identity provider client, reconciler, change-event source and the health
// and admin endpoints.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/dmitrijs2005/membersync/internal/cryptox"
	"github.com/dmitrijs2005/membersync/internal/logging"
	"github.com/dmitrijs2005/membersync/internal/server/config"
	"github.com/dmitrijs2005/membersync/internal/server/defects"
	"github.com/dmitrijs2005/membersync/internal/server/dispatch"
	"github.com/dmitrijs2005/membersync/internal/server/httpapi"
	"github.com/dmitrijs2005/membersync/internal/server/identity"
	"github.com/dmitrijs2005/membersync/internal/server/metrics"
	"github.com/dmitrijs2005/membersync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/membersync/internal/server/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	gs "github.com/dmitrijs2005/membersync/internal/server/grpc"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Source is an event source that runs until ctx is done.
type Source interface {
	Run(ctx context.Context) error
}

type App struct {
	config  *config.Config
	logger  logging.Logger
	db      *sql.DB
	source  Source
	http    *httpapi.Server
	grpc    *gs.GRPCServer
	ready   atomic.Bool
	closers []func() error
}

// Seams for tests.
var (
	sqlOpen     = sql.Open
	newProvider = func(ctx context.Context, m *metrics.Metrics, opts ...option.ClientOption) (identity.Provider, error) {
		return identity.NewToolkitProvider(ctx, m, opts...)
	}
	newS3Sink = func(ctx context.Context, opts defects.S3Options) (defects.Sink, error) {
		return defects.NewS3Sink(ctx, opts)
	}
)

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	logger := logging.NewJSONLogger(os.Stdout, logging.ParseLevel(c.LogLevel))
	app := &App{config: c, logger: logger}

	db, err := sqlOpen("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	app.db = db
	app.closers = append(app.closers, db.Close)

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		app.Close()
		return nil, fmt.Errorf("db init error: %w", err)
	}

	codec, err := cryptox.NewCodec(c.SecretKey, cryptox.Options{
		Marker:    c.CredentialMarker,
		KDF:       c.CredentialKDF,
		MinLength: c.MinPasswordLength,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	provider, err := newProvider(ctx, m, providerOptions(c)...)
	if err != nil {
		app.Close()
		return nil, err
	}

	var sink defects.Sink = defects.NopSink{}
	if c.S3Bucket != "" {
		sink, err = newS3Sink(ctx, defects.S3Options{
			Bucket:       c.S3Bucket,
			Region:       c.S3Region,
			BaseEndpoint: c.S3BaseEndpoint,
			AccessKey:    c.S3AccessKey,
			SecretKey:    c.S3SecretKey,
		})
		if err != nil {
			app.Close()
			return nil, err
		}
	}

	reconciler := services.NewReconciler(db, rm, provider, codec, sink, m, logger.With("module", "reconciler"),
		services.ReconcilerOptions{
			LoginDomain:             c.LoginDomain,
			AdoptExistingIdentities: c.AdoptExistingIdentities,
		})
	dispatcher := dispatch.NewDispatcher(reconciler, c.HandlerTimeout)

	app.source = app.newSource(db, rm, dispatcher, m)

	router := httpapi.NewRouter(httpapi.Deps{
		Resyncer:  reconciler,
		Records:   rm.Records(db),
		Gatherer:  reg,
		JWTSecret: []byte(c.OperatorTokenSecret),
		Logger:    logger,
		Ready:     app.ready.Load,
	})
	app.http = httpapi.NewServer(c.EndpointAddrHTTP, router, logger)
	app.grpc = gs.NewGRPCServer(c.EndpointAddrGRPC, logger)

	return app, nil
}

func providerOptions(c *config.Config) []option.ClientOption {
	var opts []option.ClientOption
	if c.IdPEndpoint != "" {
		opts = append(opts, option.WithEndpoint(c.IdPEndpoint))
	}
	switch {
	case c.IdPCredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(c.IdPCredentialsFile))
	case c.IdPEndpoint != "":
		// local emulators accept unauthenticated admin calls
		opts = append(opts, option.WithoutAuthentication())
	}
	return opts
}

func (app *App) newSource(db *sql.DB, rm repomanager.RepositoryManager, d *dispatch.Dispatcher, m *metrics.Metrics) Source {
	c := app.config
	log := app.logger.With("module", "source", "source", c.EventSource)

	if c.EventSource == config.SourceKafka {
		kopts := dispatch.KafkaOptions{
			Brokers:         c.KafkaBrokers,
			Topic:           c.KafkaTopic,
			GroupID:         c.KafkaGroupID,
			DeadLetterTopic: c.KafkaDeadLetterTopic,
		}
		reader := dispatch.NewKafkaReader(kopts)
		app.closers = append(app.closers, reader.Close)

		var deadLetter dispatch.MessageWriter
		if w := dispatch.NewDeadLetterWriter(kopts); w != nil {
			deadLetter = w
			app.closers = append(app.closers, w.Close)
		}

		return dispatch.NewKafkaSource(reader, deadLetter, d, log, m, dispatch.RetryOptions{
			Initial:    c.RetryInitial,
			Max:        c.RetryMax,
			MaxElapsed: c.RetryMaxElapsed,
		})
	}

	return dispatch.NewOutboxSource(db, rm, d, log, m, dispatch.OutboxOptions{
		PollInterval: c.OutboxPollInterval,
		BatchSize:    c.OutboxBatchSize,
		Lease:        c.OutboxLease,
		Workers:      c.Workers,
		RetryInitial: c.RetryInitial,
		RetryMax:     c.RetryMax,
	})
}

// Run starts the event source and both endpoints and blocks until a signal
// arrives or one of them fails.
func (app *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()
	defer app.Close()

	app.logger.Info(ctx, "Starting app...", "source", app.config.EventSource)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.setReady(true)
		defer app.setReady(false)
		if err := app.source.Run(ctx); err != nil {
			return fmt.Errorf("event source: %w", err)
		}
		return nil
	})
	g.Go(func() error { return app.http.Run(ctx) })
	g.Go(func() error { return app.grpc.Run(ctx) })

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		app.logger.Error(ctx, "app stopped", "error", err)
		return err
	}
	app.logger.Info(ctx, "app stopped")
	return nil
}

func (app *App) setReady(v bool) {
	app.ready.Store(v)
	app.grpc.SetServing(v)
}

// Close releases the database and Kafka clients. It is safe to call twice.
func (app *App) Close() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		_ = app.closers[i]()
	}
	app.closers = nil
}
