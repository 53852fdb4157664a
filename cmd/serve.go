package cmd

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"droidfleet-cloud/internal/auth"
	commandsapp "droidfleet-cloud/internal/commands/application"
	commandsinterfaces "droidfleet-cloud/internal/commands/interfaces"
	commandshttp "droidfleet-cloud/internal/commands/interfaces/http"
	"droidfleet-cloud/internal/config"
	provisioninghttp "droidfleet-cloud/internal/provisioning/interfaces/http"
	"droidfleet-cloud/internal/push"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, expiry sweeper and event relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg config.Config) error {
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	waker, closeWaker, err := buildWaker(cfg)
	if err != nil {
		return err
	}
	defer closeWaker()
	if waker != nil {
		consumer, err := commandsinterfaces.NewWakeConsumer(waker, a.service, logger)
		if err != nil {
			return err
		}
		consumer.Register(a.bus, a.processed)
		logger.Printf("wake notifier enabled: channel=%s", waker.Channel())
	}

	handler, err := buildHTTPHandler(a, cfg)
	if err != nil {
		return err
	}
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: handler}
	sweeper := commandsapp.NewSweeper(a.service, cfg.Sweeper.Interval, cfg.Sweeper.Batch, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		sweeper.Start(gctx)
		return nil
	})
	g.Go(func() error {
		a.dispatcher.Run(gctx, cfg.Outbox.Interval)
		return nil
	})

	err = g.Wait()
	logger.Printf("shutdown complete")
	return err
}

func buildWaker(cfg config.Config) (push.Waker, func(), error) {
	switch cfg.Wake.Channel {
	case config.WakeMQTT:
		waker, err := push.NewMQTTWaker(push.MQTTConfig{
			Broker:      cfg.Wake.MQTT.Broker,
			ClientID:    cfg.Wake.MQTT.ClientID,
			Username:    cfg.Wake.MQTT.Username,
			Password:    cfg.Wake.MQTT.Password,
			TopicPrefix: cfg.Wake.MQTT.TopicPrefix,
			AckTimeout:  cfg.Wake.MQTT.AckTimeout,
		}, logger)
		if err != nil {
			return nil, func() {}, err
		}
		if err := waker.Connect(); err != nil {
			return nil, func() {}, err
		}
		return waker, waker.Disconnect, nil
	case config.WakeWebhook:
		return push.NewWebhookWaker(cfg.Wake.WebhookURL), func() {}, nil
	default:
		return nil, func() {}, nil
	}
}

func buildHTTPHandler(a *app, cfg config.Config) (http.Handler, error) {
	commandHandler, err := commandshttp.NewHandler(a.service, a.audit, logger)
	if err != nil {
		return nil, err
	}
	deviceHandler, err := commandshttp.NewDeviceHandler(a.service, logger)
	if err != nil {
		return nil, err
	}
	devicesHandler, err := provisioninghttp.NewHandler(a.provisioning, a.audit, logger)
	if err != nil {
		return nil, err
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy,
		auth.WithDeviceVerifier(func(ctx context.Context, deviceID string) error {
			_, err := a.provisioning.Get(ctx, deviceID)
			return err
		}),
		auth.WithMiddlewareLogger(logger))

	mux := http.NewServeMux()
	mux.Handle("/api/v1/commands", commandHandler)
	mux.Handle("/api/v1/commands/", commandHandler)
	mux.Handle("/api/v1/devices", devicesHandler)
	mux.Handle("/api/v1/devices/", devicesHandler)
	mux.Handle("/device/v1/commands/", deviceHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if a.db != nil {
			if err := a.db.PingContext(r.Context()); err != nil {
				http.Error(w, "db unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return loggingMiddleware(authMiddleware.Wrap(mux), logger), nil
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
