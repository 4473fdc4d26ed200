package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	httpctrl "github.com/Agrid-Dev/picorelay/internal/controllers/http"
	modbusctrl "github.com/Agrid-Dev/picorelay/internal/controllers/modbus"
	mqttctrl "github.com/Agrid-Dev/picorelay/internal/controllers/mqtt"
	"github.com/Agrid-Dev/picorelay/internal/device"
	"github.com/Agrid-Dev/picorelay/internal/gpio"
	"github.com/Agrid-Dev/picorelay/internal/logging"
	"github.com/Agrid-Dev/picorelay/internal/netjoin"
	"github.com/Agrid-Dev/picorelay/internal/ports"
	"github.com/Agrid-Dev/picorelay/internal/relay"
	"github.com/Agrid-Dev/picorelay/internal/supervisor"
	"github.com/Agrid-Dev/picorelay/internal/timesync"
)

type actuator interface {
	relay.Actuator
	Close() error
}

func openActuator(cfg RelayConfig) (actuator, error) {
	if cfg.Driver == "memory" {
		return gpio.NewMemory(), nil
	}
	line, err := gpio.Open(cfg.Chip, cfg.Line, cfg.ActiveLow)
	if err != nil {
		return nil, err
	}
	return line, nil
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	dev := device.New(cfg.DeviceID)
	log := logging.New(cfg.Logging, Version).With("device_id", dev.ID)
	log.Info("starting", "config", configPath, "mqtt", cfg.MQTT.Enabled, "relay_driver", cfg.Relay.Driver)

	resetter, err := device.NewResetter(cfg.Supervisor.Reset, log)
	if err != nil {
		return err
	}

	act, err := openActuator(cfg.Relay)
	if err != nil {
		return fmt.Errorf("open relay: %w", err)
	}
	defer func() {
		if err := act.Close(); err != nil {
			log.Warn("relay close failed", "error", err)
		}
	}()

	rc, err := relay.New(act, relay.WithSource(cfg.Source), relay.WithLogger(log))
	if err != nil {
		return err
	}

	mq, err := mqttctrl.New(rc, mqttConfig(cfg), log)
	if err != nil {
		return err
	}
	rc.Attach(mq)
	defer mq.Close()

	hub := httpctrl.NewHub(rc, cfg.Source, log)
	rc.Attach(hub)

	var link ports.LinkStatus
	if mq.Enabled() {
		link = mq
	}

	hs := httpctrl.New(rc, link, hub, httpctrl.Config{
		Addr:           cfg.HTTP.Addr,
		Path:           cfg.HTTP.Path,
		RequestTimeout: cfg.HTTP.RequestTimeout,
	}, log)

	sup, err := supervisor.New(supervisor.Config{
		BindGrace:    cfg.Supervisor.BindGrace,
		PollWait:     cfg.HTTP.PollWait,
		MQTTInterval: cfg.MQTT.PollInterval,
	}, supervisorDeps(cfg, mq, hs, resetter, log), log)
	if err != nil {
		return err
	}

	if err := sup.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error { return hs.Serve(gctx) })
	g.Go(func() error { return hub.Run(gctx) })

	if cfg.Modbus.Enabled {
		mb, err := modbusctrl.New(rc, link, modbusctrl.Config{
			Addr:   cfg.Modbus.Addr,
			UnitID: cfg.Modbus.UnitID,
		}, log)
		if err != nil {
			return err
		}
		g.Go(func() error { return mb.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("stopped")
	return nil
}

func mqttConfig(cfg Config) mqttctrl.Config {
	return mqttctrl.Config{
		Enabled:  cfg.MQTT.Enabled,
		DeviceID: cfg.DeviceID,
		ClientID: cfg.MQTT.ClientID,
		Host:     cfg.MQTT.Host,
		Port:     cfg.MQTT.Port,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		Topics: mqttctrl.Topics{
			Control: cfg.MQTT.ControlTopic,
			Status:  cfg.MQTT.StatusTopic,
			Device:  cfg.MQTT.DeviceTopic,
		},
		QoS:              cfg.MQTT.QoS,
		QueueSize:        cfg.MQTT.QueueSize,
		ConnectTimeout:   cfg.MQTT.ConnectTimeout,
		ReconnectInitial: cfg.MQTT.ReconnectInitial,
		ReconnectMax:     cfg.MQTT.ReconnectMax,
	}
}

func supervisorDeps(cfg Config, mq *mqttctrl.Controller, hs *httpctrl.Server, reset device.Resetter, log *slog.Logger) supervisor.Deps {
	deps := supervisor.Deps{MQTT: mq, HTTP: hs, Reset: reset}
	if cfg.Network.Enabled {
		deps.Network = netjoin.New(netjoin.Config{
			Interface:    cfg.Network.Interface,
			Attempts:     cfg.Network.Attempts,
			InitialDelay: cfg.Network.InitialDelay,
			MaxDelay:     cfg.Network.MaxDelay,
		}, log)
	}
	if cfg.TimeSync.Enabled {
		deps.TimeSync = timesync.New(timesync.Config{
			Host:     cfg.TimeSync.Host,
			Port:     cfg.TimeSync.Port,
			Timeout:  cfg.TimeSync.Timeout,
			Offset:   cfg.TimeSync.TimezoneOffset,
			SetClock: cfg.TimeSync.SetClock,
		}, timesync.SystemClock{}, log)
	}
	return deps
}
