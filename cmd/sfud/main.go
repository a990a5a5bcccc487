// sfud is the SFU control-plane daemon: it loads config, starts the
// worker pool, wires the process object, gateway, and HTTP API, then
// hands control to the supervisor. Grounded on the teacher's
// cmd/server/main.go wiring shape.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sfucore/sfu/internal/config"
	"github.com/sfucore/sfu/internal/gateway"
	"github.com/sfucore/sfu/internal/httpapi"
	"github.com/sfucore/sfu/internal/mediarouter"
	"github.com/sfucore/sfu/internal/mediarouter/pionrouter"
	"github.com/sfucore/sfu/internal/process"
	"github.com/sfucore/sfu/internal/supervisor"
	"github.com/sfucore/sfu/internal/workerpool"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	workerFactory := func() (mediarouter.Worker, error) {
		w := pionrouter.NewWorker()
		if _, err := w.CreateWebRtcServer(mediarouter.WebRtcServerOptions{
			ListenIP:    cfg.RTCInterface,
			MinPort:     cfg.RTCMinPort,
			MaxPort:     cfg.RTCMaxPort,
			AnnouncedIP: cfg.PublicIP,
		}); err != nil {
			return nil, err
		}
		return w, nil
	}
	newPool := func() (*workerpool.Pool, error) {
		return workerpool.New(cfg.NumWorkers, workerFactory)
	}

	pool, err := newPool()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start worker pool")
	}

	proc := process.New(cfg, pool)
	gw := gateway.New(proc)

	newServer := func() *http.Server {
		return &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.HTTPInterface, cfg.Port),
			Handler: httpapi.NewRouter(proc, gw),
		}
	}

	sup := supervisor.New(proc, pool, newPool, newServer, supervisor.Config{})
	if err := sup.Run(context.Background()); err != nil {
		log.Error().Err(err).Msg("supervisor exited with error")
		os.Exit(1)
	}
}
