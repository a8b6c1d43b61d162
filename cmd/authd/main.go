package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"lavka.dev/internal/config"
	"lavka.dev/internal/engine"
	"lavka.dev/internal/federation"
	"lavka.dev/internal/httpapi"
	"lavka.dev/internal/identity"
	"lavka.dev/internal/kv"
	"lavka.dev/internal/ledger"
	"lavka.dev/internal/obs"
	"lavka.dev/internal/onetime"
	"lavka.dev/internal/token"
)

var version = "0.3.1"

func main() {
	// .env is a dev convenience; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("AUTHD_COMMIT"))

	db, err := sql.Open("pgx", cfg.PGDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	signer, err := token.NewSigner(cfg.JWTSecret, cfg.Issuer, cfg.AccessTTL)
	if err != nil {
		log.Fatalf("signer: %v", err)
	}

	states := kv.NewMemory()
	defer states.Close()

	var flow *federation.Flow
	if providers := cfg.OAuthProviders(); len(providers) > 0 {
		flow, err = federation.NewFlow(states, providers,
			federation.WithStateTTL(cfg.OAuthStateTTL))
		if err != nil {
			log.Fatalf("federation: %v", err)
		}
	}

	eng, err := engine.New(engine.Deps{
		Store:    identity.NewPGStore(db),
		Hasher:   identity.NewHasher(cfg.BcryptCost),
		Signer:   signer,
		Ledger:   ledger.NewPGStore(db, cfg.RefreshTTL),
		OneTime:  onetime.NewPGStore(db, cfg.ResetTTL, cfg.VerifyTTL),
		Flow:     flow,
		Attempts: states,
	},
		engine.WithLoginLimit(cfg.LoginMaxFailures, cfg.LoginWindow),
		engine.WithLinkPolicy(cfg.LinkPolicy),
	)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	api := httpapi.New(eng, signer, httpapi.ReadyProbe{DB: db}, version)

	handler := httpapi.RequestID(
		httpapi.LoggingJSON(
			httpapi.SecurityHeaders(
				httpapi.CORS(
					httpapi.MaxBodyBytes(
						httpapi.RateLimit(api.Handler(), 20, 10),
						1<<20)))))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting authd %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = db.Close()
	log.Println("Stopped")
}
