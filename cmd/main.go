package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"huehub/app"
	"huehub/config"
	"huehub/database"
	"huehub/logger"
	"huehub/services"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log := logger.GetLogger()
		log.Fatal().Err(err).Msg("Config error")
	}
	if err := logger.Init(cfg.Log); err != nil {
		log := logger.GetLogger()
		log.Fatal().Err(err).Msg("Invalid log configuration")
	}
	log := logger.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.ConnectDB(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	if err := database.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	nc, err := services.InitNats(cfg.NatsUrl)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}

	if err := services.InitMqttService("hue-hub", cfg.MqttBroker, cfg.MqttUser, cfg.MqttPassword); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize MQTT service")
	}

	hueHub, err := app.NewHueHub(cfg.Hue, services.GetMqttService(), nc, app.NewPgStore(db))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize hue hub service")
	}

	if err := hueHub.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start hue hub service")
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := hueHub.Metrics().Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("Received shutdown signal, shutting down...")

	hueHub.Stop()
	services.GetMqttService().Stop()
	if err := nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("NATS drain failed")
	}
	db.Close()

	log.Info().Msg("Shutdown complete.")
}
