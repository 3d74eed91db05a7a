package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/torontomonica-create/Coffee-break/internal/barista"
	"github.com/torontomonica-create/Coffee-break/internal/broadcast"
	"github.com/torontomonica-create/Coffee-break/internal/config"
	"github.com/torontomonica-create/Coffee-break/internal/mock"
	"github.com/torontomonica-create/Coffee-break/internal/session"
	"github.com/torontomonica-create/Coffee-break/internal/storage"
	"github.com/torontomonica-create/Coffee-break/internal/ws"
)

func main() {
	configPath := flag.String("config", "coffee-break.yaml", "Path to config file")
	group := flag.String("group", "", "Override broadcast group name")
	port := flag.Int("port", 0, "Override feed port")
	demoMode := flag.Bool("demo", false, "Simulate peers in-process instead of joining the network")
	demoPeers := flag.Int("demo-peers", 3, "Number of simulated peers in demo mode")
	flag.Parse()

	log := logrus.New()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	if level, perr := logrus.ParseLevel(cfg.LogLevel); perr == nil {
		log.SetLevel(level)
	} else {
		log.WithField("level", cfg.LogLevel).Warn("unknown log level, staying on info")
	}

	if *group != "" {
		cfg.Group.Name = *group
	}
	if *port > 0 {
		cfg.Feed.Port = *port
	}

	instanceID := uuid.NewString()
	log.WithFields(logrus.Fields{
		"instance": instanceID,
		"group":    cfg.Group.Name,
	}).Info("coffee break daemon starting")

	store, err := openStore(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to open counter store")
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var link broadcast.Link
	var demoNet *broadcast.Network
	if *demoMode {
		demoNet = broadcast.NewNetwork()
		link = demoNet.Open(cfg.Group.Name)
		log.Info("demo mode: broadcast stays in-process")
	} else {
		udp, uerr := broadcast.OpenUDP(cfg.Group.Name, cfg.Group.MulticastAddr, log)
		if uerr != nil {
			log.WithError(uerr).Fatal("failed to join multicast group")
		}
		link = udp
	}
	defer link.Close()

	controller := session.New(session.Options{
		ID:                instanceID,
		Link:              link,
		Store:             store,
		Log:               log,
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		TTL:               cfg.Presence.TTL,
		SweepInterval:     cfg.Presence.SweepInterval,
		TickInterval:      cfg.Session.TickInterval,
		SessionDuration:   cfg.Session.DefaultDuration,
		SipTarget:         cfg.Session.SipTarget,
	})
	controller.Open(ctx)
	defer controller.Close()

	if *demoMode {
		gen := mock.NewGenerator(mock.Options{
			Network: demoNet,
			Group:   cfg.Group.Name,
			Peers:   *demoPeers,
			Log:     log,
		})
		gen.Start(ctx)
	}

	assistant := barista.New(barista.Options{
		URL:     cfg.Assistant.URL,
		Timeout: cfg.Assistant.Timeout,
		Retries: cfg.Assistant.Retries,
		Log:     log,
	})

	broadcaster := ws.NewBroadcaster(ws.BroadcasterOptions{
		Controller:       controller,
		Assistant:        assistant,
		PushThrottle:     cfg.Feed.PushThrottle,
		SnapshotInterval: cfg.Feed.SnapshotInterval,
		Log:              log,
	})
	go broadcaster.Run(ctx)

	authToken := cfg.Feed.AuthToken
	if authToken == "auto" {
		authToken, err = config.GenerateToken()
		if err != nil {
			log.WithError(err).Fatal("failed to generate feed token")
		}
		log.WithField("token", authToken).Info("generated feed auth token")
	}

	server := ws.NewServer(ws.ServerOptions{
		Controller:     controller,
		Broadcaster:    broadcaster,
		AllowedOrigins: cfg.Feed.AllowedOrigins,
		AuthToken:      authToken,
		Log:            log,
	})

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
		controller.Close()
		link.Close()
		store.Close()
		os.Exit(0)
	}()

	if err := ws.ListenAndServe(cfg.Feed.Host, cfg.Feed.Port, mux, log); err != nil {
		log.WithError(err).Fatal("feed server error")
	}
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		return storage.NewSQLiteStore(cfg.Storage.Path, cfg.Group.Name)
	default:
		return storage.NewFileStore(cfg.Storage.Dir), nil
	}
}
