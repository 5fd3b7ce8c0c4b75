package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"launchpad/internal/app"
	"launchpad/internal/routes"
	"launchpad/pkg/config"
)

func main() {
	settings, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}
	settings.ConfigureLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	config.MustInitDB(settings)

	a, err := app.Build(ctx, settings, config.DB)
	if err != nil {
		log.Fatal("Failed to build settlement stack: ", err)
	}
	// RabbitMQ is optional; without it admin triggers only run synchronously
	if _, err := a.ConnectQueue(); err != nil {
		log.Fatal("Failed to initialize RabbitMQ: ", err)
	}
	defer a.Close()

	// Set up router
	r := routes.SetupRouter(a.Handler(), settings)
	srv := &http.Server{
		Addr:    ":" + settings.Port,
		Handler: r,
	}

	go func() {
		log.Infof("> API listening on :%s", settings.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server: ", err)
		}
	}()

	<-ctx.Done()
	log.Info("> Shutting down API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server shutdown: %v", err)
	}
}
