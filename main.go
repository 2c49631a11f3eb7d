package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/hartwell/airbridge/config"
	"github.com/hartwell/airbridge/metrics"
	"github.com/hartwell/airbridge/mqttpub"
	"github.com/hartwell/airbridge/regbus"
	"github.com/hartwell/airbridge/unitlink"
	"github.com/hartwell/airbridge/unitsim"
	"github.com/hartwell/airbridge/varmap"
)

func main() {

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	configPath := flag.String("config", "airbridge.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Read(*configPath)
	if err != nil {
		slog.Error("Failed to read config", "error", err)
		return
	}

	slog.Info("Starting airbridge...", "unit", cfg.Unit.ID, "host", cfg.Unit.Host)

	variables := make([]varmap.Variable, 0, len(cfg.Variables))
	for _, v := range cfg.Variables {
		variables = append(variables, varmap.Variable{
			Name:           v.Name,
			Key:            v.Key,
			RegisterLength: v.Registers,
			Refresh:        time.Duration(v.RefreshSecs) * time.Second,
		})
	}
	registry, err := varmap.NewRegistry(variables)
	if err != nil {
		slog.Error("Failed to build variable registry", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	var sim *unitsim.Sim
	if cfg.Emulate != nil {
		sim = unitsim.New(cfg.Emulate.Listen, slog.Default().With("component", "unitsim"))
		for key, value := range cfg.Emulate.Values {
			sim.SetValue(key, value)
		}
		if err := sim.Start(); err != nil {
			slog.Error("Failed to start unit simulator", "error", err)
			return
		}
	}

	transport := regbus.NewTCP(
		cfg.Unit.Host,
		time.Duration(cfg.Unit.TimeoutSecs)*time.Second,
		slog.Default().With("component", "regbus"),
	)

	link := unitlink.New(registry, transport, slog.Default().With("unit", cfg.Unit.ID))
	link.SetWatchdogInterval(time.Duration(cfg.Unit.WatchdogSecs) * time.Second)
	link.SetStaggerStep(time.Duration(cfg.Unit.StaggerMillis) * time.Millisecond)

	var publisher *mqttpub.Publisher
	if cfg.MQTT != nil {
		publisher = mqttpub.New(mqttpub.Config{
			Broker:    cfg.MQTT.Broker,
			ClientID:  cfg.MQTT.ClientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			TopicRoot: cfg.MQTT.TopicRoot,
		}, slog.Default().With("component", "mqtt"))
		if err := publisher.Start(); err != nil {
			slog.Error("Failed to connect to MQTT broker", "error", err)
			return
		}
	}

	haveMetrics := cfg.Metrics != nil
	if haveMetrics {
		metrics.Register()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			err := http.ListenAndServe(cfg.Metrics.Listen, mux)
			if err != nil {
				slog.Error("Failed to serve metrics", "error", err)
			}
		}()
	}

	link.SetOnConnect(func() {
		if haveMetrics {
			metrics.SetLinkUp(true)
		}
		if publisher != nil {
			publisher.PublishLinkState(true, 0)
		}
	})
	link.SetOnDisconnect(func(dropped int) {
		if haveMetrics {
			metrics.SetLinkUp(false)
			metrics.AddDropped(dropped)
		}
		if publisher != nil {
			publisher.PublishLinkState(false, dropped)
		}
	})
	link.SetOnGet(func(ev unitlink.GetEvent) {
		if haveMetrics {
			metrics.ObserveReading(ev.Name, ev.Value)
		}
		if publisher != nil {
			publisher.PublishReading(ev)
		}
	})

	go link.Run(ctx)

	// wait for a ctrl-c interrupt before exiting
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	<-signalChan

	// cancel any open go-routines and give them up to 100ms to gracefully shutdown
	cancel()
	time.Sleep(time.Millisecond * 100)

	if publisher != nil {
		publisher.Stop()
	}
	if sim != nil {
		sim.Stop()
	}

	slog.Info("Exiting")
	os.Exit(0)
}
