package main

import (
	"collab-server/access"
	"collab-server/auth"
	"collab-server/config"
	"collab-server/core"
	"collab-server/handlers/api/documents"
	roomsapi "collab-server/handlers/api/rooms"
	"collab-server/handlers/websocket"
	authMiddleware "collab-server/middleware"
	"collab-server/persistence"
	"collab-server/rooms"
	"collab-server/stores"
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 15 * time.Second

func setupTokenVerifier(cfg config.Config) auth.TokenVerifier {
	if cfg.OIDCIssuerURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		verifier, err := auth.NewOIDCVerifier(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID)
		if err != nil {
			logrus.Fatalf("Failed to initialize OIDC: %v", err)
		}
		return verifier
	}
	if cfg.JWTSecret == "" {
		logrus.Fatal("JWT_SECRET or OIDC_ISSUER_URL must be set")
	}
	return auth.NewJWTVerifier([]byte(cfg.JWTSecret)).WithLeeway(cfg.JWTLeeway)
}

func setupRouter(cfg config.Config, store core.Store, tokens auth.TokenVerifier, verifier *access.Verifier, registry *rooms.Registry, activity core.RoomActivity, gateway *websocket.Gateway) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]any{
			"status":      "ok",
			"connections": gateway.Connections(),
		})
	})
	r.Get("/api/rooms", roomsapi.HandleList(registry, activity))

	r.Route("/api/v2/documents", func(r chi.Router) {
		r.Use(authMiddleware.AuthBearer(tokens))
		r.Post("/", documents.HandleCreate(store))
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/snapshot", documents.HandleGetSnapshot(verifier, store))
			r.Put("/collaborators/{principalId}", documents.HandlePutCollaborator(verifier, store))
		})
	})

	// The bare path answers 4400 after the upgrade.
	r.Get("/collab", gateway.HandleCollab())
	r.Get("/collab/{documentID}", gateway.HandleCollab())

	return r
}

func waitForShutdown(server *http.Server, gateway *websocket.Gateway, registry *rooms.Registry, closers ...io.Closer) {
	SignalC := make(chan os.Signal, 1)
	signal.Notify(SignalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	s := <-SignalC
	logrus.WithField("signal", s.String()).Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting new HTTP requests. Hijacked websockets are not tracked
	// by the server, so the gateway closes them itself.
	if err := server.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("HTTP server shutdown incomplete")
	}
	if err := gateway.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("Collaboration connections did not close in time")
	}
	if err := registry.Drain(ctx); err != nil {
		logrus.WithError(err).Error("Some rooms could not be saved")
	}
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close resource")
		}
	}
}

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found")
	}

	listenAddress := flag.String("listen", ":3002", "The address to listen on.")
	logLevel := flag.String("loglevel", "info", "The log level (debug, info, warn, error).")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg := config.Load()
	store := stores.GetStore(cfg)
	activity := stores.GetActivity(cfg, store)
	tokens := setupTokenVerifier(cfg)
	verifier := access.NewVerifier(tokens, store)

	bridge := persistence.NewBridge(store, cfg.StorageTimeout)
	registry := rooms.NewRegistry(bridge, activity)

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go registry.Run(runCtx, cfg.PersistInterval)

	gateway := websocket.NewGateway(verifier, registry, websocket.Config{
		AuthTimeout:         cfg.AuthTimeout,
		OutboundBufferLimit: cfg.OutboundBufferLimit,
		MaxMessageBytes:     cfg.MaxMessageBytes,
		IdleTimeout:         cfg.IdleTimeout,
		PingInterval:        cfg.PingInterval,
		AllowedOrigins:      cfg.CORSOrigins,
	})

	r := setupRouter(cfg, store, tokens, verifier, registry, activity, gateway)
	server := &http.Server{
		Addr:              *listenAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logrus.WithField("addr", *listenAddress).Info("starting server")
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")

	var closers []io.Closer
	if c, ok := store.(io.Closer); ok {
		closers = append(closers, c)
	}
	if c, ok := activity.(io.Closer); ok && any(activity) != any(store) {
		closers = append(closers, c)
	}
	waitForShutdown(server, gateway, registry, closers...)
	stopRun()
}
