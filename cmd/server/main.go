package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"relay-access/internal/channel"
	"relay-access/internal/config"
	"relay-access/internal/db"
	"relay-access/internal/handlers"
	"relay-access/internal/invite"
	"relay-access/internal/middleware"
	"relay-access/internal/role"
	"relay-access/internal/tokengate"
	"relay-access/internal/websocket"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	issueToken := flag.String("issue-token", "", "print a 24h token for this user id and exit")
	wallet := flag.String("wallet", "", "wallet address embedded in -issue-token")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	} else {
		logrus.WithField("log_level", cfg.LogLevel).Warn("Unknown log level, using info")
	}

	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = randomSecret()
		logrus.Warn("auth.jwt_secret is not set; generated a random secret")
	}
	if wrote, err := config.EnsureFile(*configPath, cfg); err != nil {
		logrus.WithError(err).Warn("Could not write default config; a generated secret will not survive a restart")
	} else if wrote {
		logrus.WithField("path", *configPath).Info("Wrote default config")
	}
	auth := middleware.NewAuthenticator(cfg.Auth.JWTSecret)

	if *issueToken != "" {
		token, err := auth.Issue(*issueToken, *wallet, 24*time.Hour)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to issue token")
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg, auth); err != nil {
		logrus.WithError(err).Fatal("Server stopped")
	}
}

func run(cfg config.ServerConfig, auth *middleware.Authenticator) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.Init(cfg.Database); err != nil {
		return fmt.Errorf("db init: %w", err)
	}

	registry := role.NewRegistry(db.DB)
	if err := registry.EnsureSeeded(ctx); err != nil {
		return err
	}

	var oracle tokengate.Oracle
	if o := tokengate.NewHTTPOracle(cfg.TokenGate.OracleURL, cfg.TokenGate.APIKey, cfg.TokenGate.Timeout); o != nil {
		oracle = o
	} else {
		logrus.Warn("token_gate.oracle_url is not set; token-gated channels will refuse everyone")
	}
	gate := tokengate.NewGate(oracle, cfg.TokenGate.Timeout)

	store := channel.NewStore(db.DB, registry, gate)
	ledger := invite.NewLedger(db.DB, store, gate, cfg.Invites.CodeBytes)
	hub := websocket.NewHub()

	if err := createDefaultChannelIfNeeded(ctx, store, ledger); err != nil {
		return err
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Invites.PurgeSchedule, func() {
		if _, err := ledger.PurgeExpired(ctx); err != nil {
			logrus.WithError(err).Warn("Expired invite purge failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid invites.purge_schedule %q: %w", cfg.Invites.PurgeSchedule, err)
	}

	h := &handlers.Handler{
		Config:   cfg,
		Registry: registry,
		Channels: store,
		Invites:  ledger,
		Hub:      hub,
	}
	mux := http.NewServeMux()
	h.Register(mux, auth, cfg.RateLimit)

	srv := &http.Server{
		Addr:              cfg.Port,
		Handler:           middleware.CORS(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		scheduler.Start()
		<-gctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})
	g.Go(func() error {
		logServerConnectionInfo(cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logrus.Info("Shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// createDefaultChannelIfNeeded gives a fresh installation a general channel
// and a single-use invite for the first member.
func createDefaultChannelIfNeeded(ctx context.Context, store *channel.Store, ledger *invite.Ledger) error {
	count, err := store.CountChannels(ctx)
	if err != nil {
		return fmt.Errorf("count channels: %w", err)
	}
	if count > 0 {
		return nil
	}

	ch, _, err := store.CreateChannel(ctx, "general", "General discussion channel", "system")
	if err != nil {
		return fmt.Errorf("create default channel: %w", err)
	}
	inv, err := ledger.Bootstrap(ctx, ch.ID, "system")
	if err != nil {
		return fmt.Errorf("create first invite: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"channel_id": ch.ID,
		"code":       inv.Code,
		"expires_at": inv.ExpiresAt.Format(time.RFC3339),
		"max_uses":   *inv.MaxUses,
	}).Warn("First launch: redeem this single-use invite within 24 hours to join the default channel")
	return nil
}

func logServerConnectionInfo(addr string) {
	port := strings.TrimPrefix(addr, ":")
	if idx := strings.LastIndex(port, ":"); idx != -1 {
		port = port[idx+1:]
	}
	if port == "" {
		port = "8080"
	}

	urls := []string{"http://localhost:" + port}
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				urls = append(urls, fmt.Sprintf("http://%s:%s", ipnet.IP, port))
			}
		}
	} else {
		logrus.WithError(err).Debug("Could not determine network addresses")
	}

	logrus.WithField("urls", strings.Join(urls, ", ")).Info("Listening")
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		logrus.WithError(err).Fatal("Failed to generate secret")
	}
	return hex.EncodeToString(buf)
}
