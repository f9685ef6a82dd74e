package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"

	"kiroproxy/config"
	"kiroproxy/credential"
	"kiroproxy/db"
	"kiroproxy/dispatch"
	"kiroproxy/handlers"
	"kiroproxy/notify"
	"kiroproxy/oauth"
	"kiroproxy/platform/shutdown"
)

const version = "0.4.0"

func main() {
	configPath := flag.String("config", "", "path to config.json (default: KIROPROXY_CONFIG or ./config.json)")
	flag.Parse()

	if err := config.Initialize(*configPath); err != nil {
		logger.LogErr(err, "failed to load configuration")
		os.Exit(1)
	}
	cfg := config.Get()

	done := make(chan struct{})
	shutdown.InitShutdownService(done)

	// The proxy works without the flow log; requests just go unrecorded.
	var flows *db.FlowStore
	database, err := db.InitDB(cfg.DatabasePath())
	if err != nil {
		logger.LogErr(err, "flow database unavailable, continuing without request log", "path", cfg.DatabasePath())
	} else {
		flows = db.NewFlowStore(database)
		shutdown.RegisterHook(func(time.Duration) error {
			flows.Close()
			return database.Close()
		})
	}

	notifier := notify.NewManager()
	shutdown.RegisterHook(func(time.Duration) error {
		notifier.Stop()
		return nil
	})

	persister, err := newPersister(cfg)
	if err != nil {
		logger.LogErr(err, "failed to open credential storage")
		os.Exit(1)
	}
	if pg, ok := persister.(*credential.PGStore); ok {
		shutdown.RegisterHook(func(time.Duration) error {
			pg.Close()
			return nil
		})
	}

	store, err := credential.NewStore(persister, cfg.LoadBalancingMode, func(ev credential.DisabledEvent) {
		notifier.Notify(notify.Event{
			CredentialID: ev.CredentialID,
			Reason:       ev.Reason,
			Email:        ev.Email,
			Available:    ev.Available,
			Total:        ev.Total,
			Time:         ev.Time,
		})
	})
	if err != nil {
		logger.LogErr(err, "failed to load credentials")
		os.Exit(1)
	}

	refresher := oauth.NewRefresher(store, "")

	region := cfg.APIRegion
	if region == "" {
		region = cfg.Region
	}
	dispatcher := dispatch.New(store, refresher, dispatch.Options{
		Version:   cfg.KiroVersion,
		MachineID: cfg.MachineID,
		Region:    region,
	})

	// Create a new rweb server with options
	s := rweb.NewServer(rweb.ServerOptions{
		Address: cfg.Address(),
		Verbose: true,
	})

	// Add middleware for request logging
	s.Use(rweb.RequestInfo)

	// Setup routes
	handlers.SetupRoutes(s, handlers.Deps{
		Store:      store,
		Tokens:     refresher,
		Dispatcher: dispatcher,
		Flows:      flows,
		Notifier:   notifier,
		Version:    version,
	})

	total, available := store.Counts()
	logger.Info("Starting kiroproxy", "address", cfg.Address(), "version", version,
		"credentials", total, "available", available)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- s.Run()
	}()

	select {
	case err := <-serverErr:
		logger.LogErr(err, "server exited")
		os.Exit(1)
	case <-done:
		logger.Info("Shutdown complete")
	}
}

func newPersister(cfg *config.Config) (credential.Persister, error) {
	if cfg.CredentialStore == config.StorePostgres {
		return credential.NewPGStore(context.Background(), cfg.PostgresDSN)
	}
	return credential.NewFileStore(cfg.CredentialsFile)
}
