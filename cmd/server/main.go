package main

import (
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"geotrack/internal/config"
	"geotrack/internal/device"
	"geotrack/internal/logging"
	"geotrack/internal/server"
	"geotrack/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("cannot load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	st, err := openStore(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("cannot open device store")
	}

	registry := device.NewRegistry()
	hub := server.NewHub()
	tracker := server.NewTracker(registry, st, hub, cfg.Store.Timeout)
	handler := server.NewHandler(hub, tracker, st, cfg)

	go hub.Run()

	httpServer := server.CreateServer(cfg.Server.Port, handler.Routes())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logging.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error().Err(err).Msg("server failed")
		}
	}

	if err := server.ShutdownServer(httpServer, cfg.Server.ShutdownTimeout); err != nil {
		logging.Error().Err(err).Msg("http shutdown incomplete")
	}
	if err := hub.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
		logging.Error().Err(err).Msg("hub shutdown incomplete")
	}
	if err := st.Close(); err != nil {
		logging.Error().Err(err).Msg("error closing device store")
	}
}

// openStore selects the device store backend. Memory is the default;
// badger persists last-known state across restarts.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendBadger:
		return store.OpenBadgerStore(cfg.Store.Path)
	default:
		logging.Info().Msg("using in-memory device store, state is lost on restart")
		return store.NewMemoryStore(), nil
	}
}
