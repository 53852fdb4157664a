package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"droidfleet-cloud/internal/audit"
	commandsapp "droidfleet-cloud/internal/commands/application"
	commandsevents "droidfleet-cloud/internal/commands/application/events"
	commands "droidfleet-cloud/internal/commands/domain"
	commandsmemory "droidfleet-cloud/internal/commands/infrastructure/memory"
	commandsrepo "droidfleet-cloud/internal/commands/infrastructure/postgres"
	"droidfleet-cloud/internal/config"
	"droidfleet-cloud/internal/eventing"
	eventingmemory "droidfleet-cloud/internal/eventing/infrastructure/memory"
	eventingrepo "droidfleet-cloud/internal/eventing/infrastructure/postgres"
	masterdata "droidfleet-cloud/internal/masterdata/domain"
	masterdatamemory "droidfleet-cloud/internal/masterdata/infrastructure/memory"
	masterdatarepo "droidfleet-cloud/internal/masterdata/infrastructure/postgres"
	"droidfleet-cloud/internal/observability/metrics"
	provisioning "droidfleet-cloud/internal/provisioning/application"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// app holds the wired components shared by subcommands.
type app struct {
	db           *sql.DB
	bus          *eventing.InMemoryBus
	dispatcher   *eventing.Dispatcher
	processed    eventing.ProcessedStore
	service      *commandsapp.Service
	provisioning *provisioning.Service
	audit        audit.Logger
}

type deviceStore interface {
	masterdata.DeviceRepository
	provisioning.DeviceStore
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("database url required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{bus: eventing.NewInMemoryBus()}
	registry := eventing.NewRegistry(commandsevents.All()...)

	var (
		repo    commands.Repository
		devices deviceStore
		outbox  interface {
			eventing.OutboxWriter
			eventing.OutboxStore
		}
		dlq eventing.DLQStore
	)
	switch cfg.Store {
	case config.StoreMemory:
		repo = commandsmemory.NewCommandRepository()
		devices = masterdatamemory.NewDeviceRepository()
		outbox = eventingmemory.NewOutboxStore()
		a.processed = eventingmemory.NewProcessedStore()
		a.audit = audit.NewMemoryLog()
		metrics.Init(nil, logger)
	default:
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.db = db
		repo = commandsrepo.NewCommandRepository(db)
		devices = masterdatarepo.NewDeviceRepository(db)
		outbox = eventingrepo.NewOutboxStore(db)
		dlq = eventingrepo.NewDLQStore(db)
		a.processed = eventingrepo.NewProcessedStore(db)
		a.audit = audit.NewRepository(db)
		metrics.Init(db, logger)
	}

	a.dispatcher = eventing.NewDispatcher(a.bus, outbox, registry, dlq,
		eventing.WithBatch(cfg.Outbox.Batch),
		eventing.WithMaxAttempts(cfg.Outbox.MaxAttempts),
		eventing.WithLogger(logger),
	)
	publisher := eventing.NewPublisher(outbox, a.dispatcher, a.bus)

	service, err := commandsapp.NewService(repo, devices, publisher,
		commandsapp.WithConfig(commandsapp.Config{
			DefaultTTL:        cfg.Commands.DefaultTTL,
			MaxTTL:            cfg.Commands.MaxTTL,
			DefaultClaimBatch: cfg.Commands.DefaultClaimBatch,
			MaxClaimBatch:     cfg.Commands.MaxClaimBatch,
		}),
		commandsapp.WithLogger(logger),
	)
	if err != nil {
		a.close()
		return nil, err
	}
	a.service = service

	prov, err := provisioning.NewService(devices, []byte(cfg.JWTSecret), provisioning.WithTokenTTL(cfg.DeviceTokenTTL))
	if err != nil {
		a.close()
		return nil, err
	}
	a.provisioning = prov
	return a, nil
}

func (a *app) close() {
	if a != nil && a.db != nil {
		_ = a.db.Close()
	}
}
