package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aegisid.org/internal/analytics"
	"aegisid.org/internal/audit"
	"aegisid.org/internal/authn"
	"aegisid.org/internal/authz"
	"aegisid.org/internal/config"
	"aegisid.org/internal/oauth"
	"aegisid.org/internal/obs"
	"aegisid.org/internal/provider"
	"aegisid.org/internal/session"
	"aegisid.org/internal/vault"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// app holds the wired security services for the process lifetime. The
// transport layer that exposes them is owned by the embedding
// deployment; this binary serves health and metrics only.
type app struct {
	cfg       config.Config
	cfgStore  *config.Store
	registry  *provider.Registry
	engine    *oauth.Engine
	sessions  *session.Manager
	authn     *authn.Authenticator
	authz     *authz.Engine
	vault     *vault.Service
	audit     *audit.Log
	analytics *analytics.Service
}

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(os.Getenv("AEGIS_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Audit log, mirrored into Postgres when a DSN is configured.
	logOpts := []audit.Option{}
	var archive *audit.PostgresArchive
	if dsn := os.Getenv("AEGIS_PG_DSN"); dsn != "" {
		archive, err = audit.OpenArchive(dsn)
		if err != nil {
			log.Fatalf("open audit archive: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := archive.EnsureSchema(ctx); err != nil {
			cancel()
			log.Fatalf("audit archive schema: %v", err)
		}
		cancel()
		logOpts = append(logOpts, audit.WithArchive(archive))
	}
	auditLog := audit.NewLog(cfg.Audit.Enabled, logOpts...)

	// Providers; client secrets come from the credentials file, never
	// from the main config.
	registry := provider.NewRegistry()
	if path := os.Getenv("AEGIS_CREDENTIALS"); path != "" {
		creds, err := config.LoadCredentials(path)
		if err != nil {
			log.Fatalf("load credentials: %v", err)
		}
		applied := make(map[string]provider.Credential, len(creds))
		for id, c := range creds {
			applied[id] = provider.Credential{
				ClientID:     c.ClientID,
				ClientSecret: c.ClientSecret,
				RedirectURI:  c.RedirectURI,
			}
		}
		registry.ApplyCredentials(applied)
	}

	httpClient := oauth.NewHTTPClient(nil)
	engine := oauth.NewEngine(registry, httpClient, httpClient, auditLog,
		oauth.WithPKCETTL(cfg.OAuth.PKCETTL))

	sessions := session.NewManager()

	authzEngine, err := authz.NewEngine(authz.Config{
		Strategy:      authz.Strategy(cfg.Authz.Strategy),
		DefaultPolicy: authz.Effect(cfg.Authz.DefaultPolicy),
		RBACEnabled:   cfg.Authz.RBACEnabled,
		ABACEnabled:   cfg.Authz.ABACEnabled,
	}, authz.NewMemoryIdentityStore(), auditLog)
	if err != nil {
		log.Fatalf("authz engine: %v", err)
	}

	keys, err := vault.NewKeyStore(nil)
	if err != nil {
		log.Fatalf("key store: %v", err)
	}
	vaultSvc := vault.NewService(keys, auditLog,
		vault.WithSaltLength(cfg.Vault.SaltLength),
		vault.WithRotationInterval(cfg.Vault.RotationInterval))

	a := &app{
		cfg:      cfg,
		cfgStore: config.NewStore(cfg, auditLog),
		registry: registry,
		engine:   engine,
		sessions: sessions,
		authn: authn.NewAuthenticator(registry, engine, sessions,
			authn.NewLockout(cfg.Lockout, nil), auditLog),
		authz:     authzEngine,
		vault:     vaultSvc,
		audit:     auditLog,
		analytics: analytics.NewService(auditLog, nil),
	}

	done := make(chan struct{})
	go a.housekeeping(done)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", obs.Handler())

	addr := os.Getenv("AEGIS_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("starting aegisd %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("shutting down...")
	close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if archive != nil {
		_ = archive.Close()
	}
	log.Println("stopped")
}

// housekeeping runs the periodic sweeps: expired sessions, stale PKCE
// challenges, scheduled key rotation, and an hourly analytics summary.
func (a *app) housekeeping(done <-chan struct{}) {
	sweep := time.NewTicker(a.cfg.Session.CleanupInterval)
	hourly := time.NewTicker(time.Hour)
	defer sweep.Stop()
	defer hourly.Stop()

	for {
		select {
		case <-done:
			return
		case <-sweep.C:
			if n := a.sessions.CleanupExpired(); n > 0 {
				obs.LogEntry(map[string]any{"msg": "sessions swept", "count": n})
			}
			if n := a.engine.PurgeExpiredChallenges(); n > 0 {
				obs.LogEntry(map[string]any{"msg": "pkce challenges purged", "count": n})
			}
		case <-hourly.C:
			rotated, err := a.vault.RotateIfDue(context.Background())
			if err != nil {
				obs.LogEntry(map[string]any{"msg": "key rotation failed", "error": err.Error()})
			} else if rotated {
				obs.LogEntry(map[string]any{"msg": "encryption key rotated"})
			}
			snap, err := a.analytics.Generate(analytics.PeriodHour)
			if err != nil {
				obs.LogEntry(map[string]any{"msg": "analytics failed", "error": err.Error()})
				continue
			}
			obs.LogEntry(map[string]any{
				"msg":            "hourly security summary",
				"authAttempts":   snap.Authentication.Total,
				"authFailures":   snap.Authentication.Failed,
				"authzDenied":    snap.Authorization.Denied,
				"threats":        snap.Threats.Total,
				"cryptoFailures": snap.Encryption.Failures,
			})
		}
	}
}
