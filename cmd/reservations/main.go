package main

import (
	"chargehold/pkg/app"
	"chargehold/pkg/config"
	kafka_config "chargehold/pkg/kafka/config"

	"github.com/jonboulle/clockwork"
)

const ServiceName = "reservations"

func main() {
	cfg := config.Load(ServiceName)
	defer cfg.GracefulShutdown()

	cfg.Log.Info("Starting Reservations service")

	clock := clockwork.NewRealClock()
	store, err := app.NewStore(cfg, clock)
	if err != nil {
		cfg.Log.Fatal("Failed to initialize storage", "error", err)
	}

	opts := app.Options{Store: store, Clock: clock}
	if cfg.EventsEnabled {
		opts.Kafka = loadKafkaConfig(cfg)
	}

	serverApp := app.NewApplication(cfg)
	if err := serverApp.SetApp(opts); err != nil {
		cfg.Log.Fatal("Failed to initialize application", "error", err)
	}
	serverApp.Run()
}

func loadKafkaConfig(cfg *config.Config) *kafka_config.Config {
	kafkaCfg, err := kafka_config.Load()
	if err != nil {
		cfg.Log.Fatal("Invalid Kafka configuration", "error", err)
	}
	kafkaCfg.LogConfiguration(cfg.Log.Info)
	return kafkaCfg
}
