// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package main

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/devicecerts/core/access"
	"github.com/relabs-tech/devicecerts/core/logger"
	"github.com/relabs-tech/devicecerts/iot/credentials"
	"github.com/relabs-tech/devicecerts/iot/mqtt"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST API, the reconciliation loop and the optional device broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg *Config) error {
	log := logger.Default()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	router := mux.NewRouter()
	logger.AddRequestID(router)
	a, err := newApp(ctx, cfg, router)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.accounts.EnsureAccount(ctx, cfg.AdminUsername, cfg.AdminPassword, "admin"); err != nil {
		return err
	}
	if cfg.AdminPassword == "admin123" {
		log.Warnln("the default admin password is in use, set DEFAULT_ADMIN_PASSWORD")
	}
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return err
		}
		log.Warnln("no JWT_SECRET_KEY configured, tokens are invalid after a restart")
	}
	issuer := &access.TokenIssuer{
		Secret: secret,
		Issuer: "devicecerts",
		Expiry: time.Duration(cfg.JWTExpireMinutes) * time.Minute,
	}

	var broker *mqtt.Broker
	if cfg.MQTTListen != "" {
		broker, err = mqtt.NewBroker(&mqtt.Builder{
			Devices:    a.service,
			CACertFile: a.ca.CertFile(),
			CertFile:   cfg.MQTTCertFile,
			KeyFile:    cfg.MQTTKeyFile,
			Listen:     cfg.MQTTListen,
		})
		if err != nil {
			return err
		}
		*a.notifiers = append(*a.notifiers, broker)
		broker.Start()
	}

	router.Use(access.NewJwtMiddelware(issuer))
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	access.HandleLoginRoute(router, a.accounts, issuer)
	access.HandleAuthorizationRoute(router)
	credentials.NewAPI(a.service, router)

	cors := handlers.CORS(
		handlers.AllowedOrigins(splitList(cfg.CORSOrigins)),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
		handlers.AllowCredentials(),
	)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           cors(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	reconcileDone := make(chan struct{})
	go func() {
		defer close(reconcileDone)
		reconcileLoop(ctx, a.service, cfg.ReconcileInterval)
	}()

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("listen on %s, output directory %s", cfg.Listen, outputDir(cfg))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err = <-serveErr:
	case <-ctx.Done():
		log.Infoln("shutting down")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.WithError(shutdownErr).Errorln("http shutdown")
	}
	if broker != nil {
		if stopErr := broker.Stop(shutdownCtx); stopErr != nil {
			log.WithError(stopErr).Errorln("mqtt shutdown")
		}
	}
	cancel()
	<-reconcileDone

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// reconcileLoop sweeps unregistered device files once at startup and then every interval
func reconcileLoop(ctx context.Context, service *credentials.Service, interval time.Duration) {
	if interval <= 0 {
		logger.Default().Infoln("reconciliation disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := service.Reconcile(ctx); err != nil {
			logger.Default().WithError(err).Errorln("reconciliation failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func outputDir(cfg *Config) string {
	if abs, err := filepath.Abs(cfg.OutputDir); err == nil {
		return abs
	}
	return cfg.OutputDir
}
