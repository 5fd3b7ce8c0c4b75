package main

import (
	"context"
	"os/signal"
	"syscall"

	logrus "github.com/sirupsen/logrus"

	"launchpad/internal/app"
	"launchpad/internal/queue"
	"launchpad/pkg/config"
)

func main() {
	// Initialize logger
	logrus.SetFormatter(&logrus.JSONFormatter{})

	settings, err := config.Load()
	if err != nil {
		logrus.Fatal("Failed to load configuration: ", err)
	}
	settings.ConfigureLogging()
	if !settings.RabbitMQEnabled() {
		logrus.Fatal("Worker requires RabbitMQ (RABBITMQ_URL or RABBITMQ_HOST)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	config.MustInitDB(settings)

	a, err := app.Build(ctx, settings, config.DB)
	if err != nil {
		logrus.Fatal("Failed to build settlement stack: ", err)
	}
	if _, err := a.ConnectQueue(); err != nil {
		logrus.Fatal("Failed to initialize RabbitMQ: ", err)
	}
	defer a.Close()

	msgConsumer, err := config.NewConsumer(queue.CommandQueue)
	if err != nil {
		logrus.Fatal("Failed to create consumer: ", err)
	}
	defer msgConsumer.Close()

	dispatcher := queue.NewDispatcher(a.Engine, a.Scheduler)
	logrus.Infof("Settlement worker started, waiting for messages on %s...", queue.CommandQueue)

	if err := msgConsumer.Consume(ctx, dispatcher.Handle); err != nil && ctx.Err() == nil {
		logrus.Fatal("Consumer stopped: ", err)
	}
	logrus.Info("Settlement worker stopped")
}
