package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/banshee-data/dvl.link/internal/config"
	"github.com/banshee-data/dvl.link/internal/db"
	"github.com/banshee-data/dvl.link/internal/dvl"
	"github.com/banshee-data/dvl.link/internal/publish"
	"github.com/banshee-data/dvl.link/internal/serialmux"
)

const (
	dialTimeout     = 5 * time.Second
	mockInterval    = 250 * time.Millisecond
	shutdownTimeout = 2 * time.Second
)

type linkMode int

const (
	linkDevice linkMode = iota
	linkMock
	linkDisabled
)

// openLink opens the device link described by cfg. In mock mode the
// transport is forced to network because the fixtures are JSON.
func openLink(ctx context.Context, cfg *config.Config, mode linkMode) (serialmux.SerialMuxInterface, error) {
	switch mode {
	case linkDisabled:
		return serialmux.NewDisabledSerialMux(), nil
	case linkMock:
		cfg.Transport = string(dvl.TransportNetwork)
		return serialmux.NewMockSerialMux(serialmux.MockFixtures, mockInterval), nil
	}

	switch dvl.Transport(cfg.Transport) {
	case dvl.TransportSerial:
		m, err := serialmux.NewRealSerialMux(cfg.SerialPort, cfg.Serial)
		if err != nil {
			return nil, err
		}
		log.Printf("opened serial port %s (%s)", cfg.SerialPort, cfg.Serial)
		return m, nil
	case dvl.TransportNetwork:
		m, err := serialmux.DialNetworkMux(ctx, cfg.IPAddress, cfg.TCPPort, dialTimeout)
		if err != nil {
			return nil, err
		}
		log.Printf("connected to DVL at %s:%d", cfg.IPAddress, cfg.TCPPort)
		return m, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// openSinks builds the output fan-out. The returned close func releases
// everything that was opened.
func openSinks(ctx context.Context, cfg *config.Config, store *db.DB) (dvl.Sink, func(), error) {
	var sinks dvl.MultiSink
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if store != nil {
		sinks = append(sinks, store)
	}

	if cfg.Redis.Enabled() {
		var (
			rs  *publish.RedisSink
			err error
		)
		if cfg.Redis.URL != "" {
			rs, err = publish.NewRedisSinkFromURL(cfg.Redis.URL, cfg.Redis.Prefix)
		} else {
			rs, err = publish.NewRedisSink(&redis.Options{Addr: cfg.Redis.Addr}, cfg.Redis.Prefix)
		}
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() {
			if err := rs.Close(); err != nil {
				log.Printf("failed to close redis client: %v", err)
			}
		})
		if err := rs.Ping(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		log.Printf("publishing to redis channels %s and %s", rs.VelocityChannel(), rs.PoseChannel())
		sinks = append(sinks, rs)
	}

	return sinks, closeAll, nil
}

// startDevice writes the connect-time settings, logs the device
// configuration and enables acoustics when configured to.
func startDevice(ctx context.Context, s *dvl.Session, cfg *config.Config) error {
	if err := s.Configure(ctx, cfg.Settings()); err != nil {
		return err
	}
	if _, err := s.SendCommand(ctx, "get_config"); err != nil {
		log.Printf("failed to read device config: %v", err)
	}
	if !cfg.EnableOnActivate {
		log.Printf("acoustics left disabled (enable_on_activate = false)")
		return nil
	}
	return s.Activate(ctx)
}

// stopDevice disables acoustics before the link is closed.
func stopDevice(s *dvl.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Deactivate(ctx); err != nil {
		log.Printf("failed to disable acoustics on shutdown: %v", err)
	}
}
