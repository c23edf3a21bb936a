package main

import (
	"context"
	"errors"
	stdlog "log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kgellert/hodatay-chatsync/internal/api"
	appConfig "github.com/kgellert/hodatay-chatsync/internal/config"
	configHandler "github.com/kgellert/hodatay-chatsync/internal/config/handler"
	"github.com/kgellert/hodatay-chatsync/internal/engine"
	conversationsHandler "github.com/kgellert/hodatay-chatsync/internal/http-server/handlers/conversations"
	mwLogger "github.com/kgellert/hodatay-chatsync/internal/http-server/middleware/logger"
	"github.com/kgellert/hodatay-chatsync/internal/lib/logger/handlers/slogpretty"
	"github.com/kgellert/hodatay-chatsync/internal/lib/logger/sl"
	messagesHandler "github.com/kgellert/hodatay-chatsync/internal/messages/handler"
	"github.com/kgellert/hodatay-chatsync/internal/metrics"
	"github.com/kgellert/hodatay-chatsync/internal/session"
	wshandler "github.com/kgellert/hodatay-chatsync/internal/ws/handler"
	"github.com/kgellert/hodatay-chatsync/internal/ws/hub"
	"github.com/kgellert/hodatay-chatsync/internal/ws/manager"
)

const (
	envLocal = "local"
	envDev   = "dev"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := godotenv.Load(".env"); err != nil {
		stdlog.Println("No .env file found, skipping...")
	}

	cfg := appConfig.MustLoad()

	log := setupLogger(cfg.Env)
	log.Info("starting chatsync", slog.String("env", cfg.Env), slog.Int64("user_id", cfg.Session.UserID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	sess := session.New(cfg.Session, log)

	client, err := api.New(api.Config{
		BaseURL:    cfg.API.BaseURL,
		HTTPClient: &http.Client{Timeout: cfg.API.Timeout},
		Header:     sess.Header,
		Logger:     log,
	})
	if err != nil {
		log.Error("failed to init api client", sl.Err(err))
		os.Exit(1)
	}

	push := manager.New(manager.Config{
		URL:              cfg.Push.URL,
		Header:           sess.Header,
		OnUnauthorized:   sess.Reauthenticate,
		HeartbeatTimeout: cfg.Push.HeartbeatTimeout,
		PingPeriod:       cfg.Push.PingPeriod,
		WriteWait:        cfg.Push.WriteWait,
		BackoffInitial:   cfg.Push.BackoffInitial,
		BackoffMax:       cfg.Push.BackoffMax,
		MaxRetries:       cfg.Push.MaxRetries,
		Metrics:          m,
	}, log)

	eng := engine.New(engine.Options{
		API:     client,
		Push:    push,
		Session: sess,
		Sync:    cfg.Sync,
		Typing:  cfg.Typing,
		Logger:  log,
		Metrics: m,
	})

	h := hub.NewHub(eng, log)
	go h.Run(ctx)
	removeWatch := eng.Watch(h.Notify)
	defer removeWatch()

	mh := messagesHandler.New(eng, log)
	ch := configHandler.New(*cfg, log)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(mwLogger.New(log, m))
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg.Bridge.AllowedOrigins),
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	router.Get("/config", ch.GetConfig())
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.Get("/ws", wshandler.WSHandler(h, eng, wshandler.NewUpgrader(cfg.Bridge.AllowedOrigins), log))

	router.Get("/conversations", conversationsHandler.GetConversations(log, eng))
	router.Route("/conversations/{chatId}", func(r chi.Router) {
		r.Get("/", conversationsHandler.GetConversation(log, eng))

		r.Get("/messages", mh.GetMessages())
		r.Post("/messages", mh.SendMessage())
		r.Delete("/messages", mh.DeleteMessages())
		r.Post("/messages/older", mh.FetchOlder())
		r.Patch("/messages/{messageId}", mh.EditMessage())
		r.Delete("/messages/{messageId}", mh.DeleteMessage())
		r.Post("/messages/{messageId}/reactions", mh.ToggleReaction())

		r.Post("/pending/{clientId}/retry", mh.RetryMessage())
		r.Delete("/pending/{clientId}", mh.DiscardMessage())

		r.Patch("/read", mh.SetLastReadMessage())
		r.Post("/typing", mh.SetTyping())
		r.Post("/viewport", mh.Viewport())
	})

	srv := &http.Server{
		Addr:         cfg.Bridge.Address,
		Handler:      router,
		ReadTimeout:  cfg.Bridge.Timeout,
		WriteTimeout: cfg.Bridge.Timeout,
		IdleTimeout:  cfg.Bridge.IdleTimeout,
	}

	go func() {
		log.Info("starting bridge", slog.String("address", cfg.Bridge.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("failed to start bridge", sl.Err(err))
			stop()
		}
	}()

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- eng.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case <-sess.Rejected():
		log.Error("session rejected, shutting down", sl.Err(sess.Err()))
	case err := <-engineDone:
		if err != nil {
			log.Error("engine stopped", sl.Err(err))
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to stop bridge", sl.Err(err))
	}

	eng.Close()
	log.Info("stopped")
}

// allowedOrigins defaults the CORS list to local pages.
func allowedOrigins(configured []string) []string {
	if len(configured) > 0 {
		return configured
	}
	return []string{"http://localhost:*", "http://127.0.0.1:*"}
}

func setupPrettySlog() *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: slog.LevelDebug,
		},
	}

	handler := opts.NewPrettyHandler(os.Stdout)

	return slog.New(handler)
}

func setupLogger(env string) *slog.Logger {
	switch env {
	case envLocal:
		return setupPrettySlog()
	case envDev:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
}
