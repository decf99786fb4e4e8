package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/lowaak/treadmill-bridge/internal/api"
	"github.com/lowaak/treadmill-bridge/internal/bridge"
	"github.com/lowaak/treadmill-bridge/internal/broadcast"
	"github.com/lowaak/treadmill-bridge/internal/bt"
	"github.com/lowaak/treadmill-bridge/internal/config"
	"github.com/lowaak/treadmill-bridge/internal/dashboard"
	"github.com/lowaak/treadmill-bridge/internal/ftms"
	"github.com/lowaak/treadmill-bridge/internal/go_func_utils"
	"github.com/lowaak/treadmill-bridge/internal/logging"
	"github.com/lowaak/treadmill-bridge/internal/peripheral"
	"github.com/lowaak/treadmill-bridge/internal/session"
	"github.com/lowaak/treadmill-bridge/internal/store"
	"github.com/lowaak/treadmill-bridge/internal/treadmill"
)

const mockAddress = "00:11:22:33:44:55"

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "treadmill-bridge: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	var logPane *dashboard.LogBuffer
	var extra []io.Writer
	if cfg.Dashboard {
		logPane = dashboard.NewLogBuffer()
		extra = append(extra, logPane)
	}
	logger, logCloser := logging.New(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Stderr:     cfg.Log.Stderr && !cfg.Dashboard,
	}, extra...)
	defer logCloser.Close()
	logger.Println("Main: Starting treadmill bridge")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	aggregator := session.NewAggregator(cfg.Limits, logger)

	stack, err := startBluetooth(cfg, aggregator, logger)
	if err != nil {
		return err
	}
	defer stack.shutdown()

	profile, err := ftms.ParseSpeedProfile(cfg.Treadmill.SpeedProfile)
	if err != nil {
		return err
	}
	link := treadmill.NewLink(treadmill.Config{
		Address:          stack.address,
		ControlPointUUID: cfg.Treadmill.ControlPointUUID,
		SpeedProfile:     profile,
		MaxRetries:       cfg.Treadmill.MaxRetries,
		RetryBackoff:     cfg.Treadmill.RetryBackoff,
		CommandTimeout:   cfg.Treadmill.CommandTimeout,
		RequestControl:   cfg.Treadmill.RequestControl,
	}, stack.manager, aggregator, logger)

	sessions, closeRemote, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRemote()

	redisCfg := broadcast.Config{
		Addr:            cfg.Redis.Addr,
		Password:        cfg.Redis.Password,
		Prefix:          cfg.Redis.Prefix,
		ShutdownTopic:   cfg.Redis.ShutdownTopic,
		ShutdownMessage: cfg.Redis.ShutdownMessage,
	}
	publisher := broadcast.NewPublisher(broadcast.ConnectRedis(redisCfg), redisCfg, logger)

	b := bridge.New(bridge.Args{
		Aggregator: aggregator,
		Link:       link,
		Emulator:   stack.emulator,
		Store:      sessions,
		Publisher:  publisher,
		Logger:     logger,
	})
	defer b.Shutdown()
	if err := b.Start(ctx); err != nil {
		return err
	}

	if cfg.HTTP.Addr != "" {
		app := api.NewServer(api.Handlers{
			Metrics:     aggregator,
			Link:        link,
			Sessions:    sessions,
			MaxSpeedKmh: cfg.HTTP.MaxSpeedKmh,
		}, logger)
		go_func_utils.SafeGo(logger, func() {
			logger.Printf("Main: HTTP listening on %s", cfg.HTTP.Addr)
			if err := app.Listen(cfg.HTTP.Addr); err != nil {
				logger.Printf("Main: HTTP server stopped: %v", err)
			}
		})
		defer func() {
			if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
				logger.Printf("Main: HTTP shutdown: %v", err)
			}
		}()
	}

	if !cfg.Dashboard {
		<-ctx.Done()
		logger.Println("Main: Signal received")
		return nil
	}

	var view *dashboard.View
	controller := dashboard.NewController(dashboard.ControllerArgs{
		Metrics:     aggregator,
		Link:        link,
		Logger:      logger,
		MaxSpeedKmh: cfg.HTTP.MaxSpeedKmh,
		Quit:        func() { view.Stop() },
	})
	view = dashboard.NewView(dashboard.ViewArgs{
		Controller: controller,
		Feed:       aggregator,
		Link:       link,
		Logs:       logPane,
		Logger:     logger,
	})
	go_func_utils.SafeGo(logger, func() {
		<-ctx.Done()
		view.Stop()
	})
	defer view.Shutdown()
	return view.Run()
}

// bluetoothStack is the central side (real or simulated) plus the optional
// emulated peripheral
type bluetoothStack struct {
	address  string
	manager  bt.BTManagerInterface
	emulator *peripheral.Emulator
	gatt     *peripheral.GATTServer
}

func startBluetooth(cfg config.Config, source peripheral.Source, logger *log.Logger) (*bluetoothStack, error) {
	if cfg.Mock {
		address := cfg.Treadmill.Address
		if address == "" {
			address = mockAddress
		}
		mock := bt.NewMockTreadmill(logger, address, "Mock Treadmill")
		mock.SetSpeedCentiKmh(800)
		mock.SetHeartRateEnabled(true)
		mock.Run(time.Second)
		logger.Printf("Main: Simulated treadmill at %s", address)
		manager := bt.NewMockBTManager(logger, mock)
		if err := manager.Enable(); err != nil {
			return nil, err
		}
		return &bluetoothStack{address: address, manager: manager}, nil
	}

	adapter := bt.SelectAdapter(cfg.Treadmill.Adapter)
	manager := bt.NewBTManager(adapter, logger, cfg.Treadmill.ScanTimeout)
	if err := manager.Enable(); err != nil {
		return nil, err
	}
	stack := &bluetoothStack{address: cfg.Treadmill.Address, manager: manager}
	if !cfg.Peripheral.Enabled {
		return stack, nil
	}

	peripheralAdapter := adapter
	shared := cfg.Peripheral.Adapter == "" || cfg.Peripheral.Adapter == cfg.Treadmill.Adapter
	if !shared {
		peripheralAdapter = bt.SelectAdapter(cfg.Peripheral.Adapter)
		if err := peripheralAdapter.Enable(); err != nil {
			manager.Shutdown()
			return nil, fmt.Errorf("failed to enable peripheral adapter %s: %w", cfg.Peripheral.Adapter, err)
		}
	}

	gatt, err := peripheral.NewGATTServer(peripheralAdapter, cfg.Peripheral.LocalName, logger)
	if err != nil {
		manager.Shutdown()
		return nil, err
	}
	emulator := peripheral.NewEmulator(source, gatt.TreadmillNotifier(), gatt.HeartRateNotifier(), cfg.Peripheral.NotifyPeriod, logger)
	handler := peripheral.ConnectHandler(emulator)
	if shared {
		manager.SetFallbackConnectHandler(handler)
	} else {
		peripheralAdapter.SetConnectHandler(handler)
	}

	stack.gatt = gatt
	stack.emulator = emulator
	return stack, nil
}

func (s *bluetoothStack) shutdown() {
	if s.gatt != nil {
		s.gatt.Stop()
	}
	s.manager.Shutdown()
}

func openStore(ctx context.Context, cfg config.Config, logger *log.Logger) (*store.Store, func(), error) {
	local, err := store.NewSQLiteLocal(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}

	closeRemote := func() {}
	var remote store.Remote
	if cfg.Database.PostgresURL != "" {
		loc, err := cfg.Database.Location()
		if err != nil {
			local.Close()
			return nil, nil, err
		}
		pool, err := store.ConnectPostgres(ctx, cfg.Database.PostgresURL)
		if err != nil {
			// sessions stay flagged locally until the next start with a reachable remote
			logger.Printf("Main: Remote store unavailable, keeping sessions local: %v", err)
		} else {
			pg := store.NewPostgresRemote(pool, loc)
			if err := pg.EnsureSchema(ctx); err != nil {
				logger.Printf("Main: %v", err)
			}
			remote = pg
			closeRemote = pool.Close
		}
	}

	opts := store.DefaultOptions()
	opts.SyncSchedule = cfg.Database.SyncSchedule
	opts.SyncTimeout = cfg.Database.SyncTimeout
	return store.NewStore(local, remote, opts, logger), closeRemote, nil
}
