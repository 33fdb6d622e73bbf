package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"vawter.tech/stopper"

	"github.com/kolkov/tunsv/internal/api"
	"github.com/kolkov/tunsv/internal/config"
	"github.com/kolkov/tunsv/internal/logging"
	"github.com/kolkov/tunsv/internal/marker"
	"github.com/kolkov/tunsv/internal/service"
	"github.com/kolkov/tunsv/internal/supervisor"
	"github.com/kolkov/tunsv/internal/terminate"
)

const shutdownGrace = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath string
		socket  string
	)
	cmd := &cobra.Command{
		Use:           "tunsvd",
		Short:         "Privileged supervisor for a single proxy engine",
		Version:       service.Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgPath, socket)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", config.DefaultPath, "Path to daemon configuration")
	cmd.Flags().StringVar(&socket, "socket", "", "Override the control socket path")
	return cmd
}

func loadConfig(path string, log zerolog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("path", path).Msg("config not found, using defaults")
		return config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func stopPolicy(cfg *config.Config) terminate.Policy {
	return terminate.Policy{
		Grace:       cfg.Stop.Grace,
		Interval:    cfg.Stop.Interval,
		ReapTimeout: cfg.Stop.ReapTimeout,
	}
}

// newReloader applies a re-read config to the running daemon. Socket and
// marker paths are fixed for the life of the process.
func newReloader(cfg *config.Config, socketOverride string, sv *supervisor.Supervisor, log zerolog.Logger) func(*config.Config) {
	return func(next *config.Config) {
		if socketOverride == "" && next.Socket != cfg.Socket {
			log.Warn().Str("socket", next.Socket).Msg("socket change needs a restart")
		}
		if next.MarkerPath != cfg.MarkerPath {
			log.Warn().Str("marker", next.MarkerPath).Msg("marker path change needs a restart")
		}
		logging.ApplyLevel(next.LogLevel)
		sv.SetStopPolicy(stopPolicy(next), next.Stop.FallbackEnabled())
		log.Info().
			Str("log_level", next.LogLevel).
			Dur("grace", next.Stop.Grace).
			Bool("name_fallback", next.Stop.FallbackEnabled()).
			Msg("config applied")
	}
}

func run(ctx context.Context, cfgPath, socketOverride string) error {
	logging.ConfigureRuntime()
	log := logging.Component("daemon")

	cfg, err := loadConfig(cfgPath, log)
	if err != nil {
		return err
	}
	if socketOverride != "" {
		cfg.Socket = socketOverride
	}
	logging.ApplyLevel(cfg.LogLevel)

	sv := supervisor.New(supervisor.Options{
		Marker:       marker.New(cfg.MarkerPath),
		LogCapacity:  cfg.LogCapacity,
		EngineName:   cfg.Engine.Name,
		Env:          cfg.Engine.Env,
		Policy:       stopPolicy(cfg),
		NameFallback: cfg.Stop.FallbackEnabled(),
		Logger:       logging.Component("supervisor"),
	})

	lis, err := api.Listen(api.ListenConfig{
		Path:        cfg.Socket,
		Mode:        os.FileMode(cfg.SocketMode),
		Group:       cfg.SocketGroup,
		AllowedUIDs: cfg.AllowedUIDs,
	}, logging.Component("api"))
	if err != nil {
		sv.Close(false)
		return err
	}
	srv := api.NewServer(service.AsService(sv), logging.Component("api"))

	watcher := config.NewWatcher(cfgPath, logging.Component("config"), newReloader(cfg, socketOverride, sv, log))

	sctx := stopper.WithContext(ctx)

	sctx.Go(func(sctx *stopper.Context) error {
		errc := make(chan error, 1)
		go func() { errc <- srv.Serve(lis) }()
		select {
		case err := <-errc:
			sctx.Stop(shutdownGrace)
			return err
		case <-sctx.Stopping():
			srv.GracefulStop()
			return <-errc
		}
	})

	sctx.Go(func(sctx *stopper.Context) error {
		if err := watcher.Run(sctx); err != nil && !sctx.IsStopping() {
			log.Warn().Err(err).Msg("config watch disabled")
		}
		return nil
	})

	sctx.Go(func(sctx *stopper.Context) error {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(sigs)

		for {
			select {
			case <-sctx.Stopping():
				return nil
			case sig := <-sigs:
				if sig == syscall.SIGHUP {
					watcher.Reload()
					continue
				}
				log.Info().Stringer("signal", sig).Msg("shutting down")
				sctx.Stop(shutdownGrace)
				return nil
			}
		}
	})

	log.Info().
		Str("version", service.Version).
		Str("socket", cfg.Socket).
		Str("marker", cfg.MarkerPath).
		Msg("tunsvd started")

	err = sctx.Wait()
	sv.Close(cfg.Engine.StopOnExit)
	log.Info().Msg("tunsvd stopped")
	return err
}
