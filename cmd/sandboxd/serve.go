package sandboxd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandboxd/sandboxd/internal/authgate"
	"github.com/sandboxd/sandboxd/internal/config"
	"github.com/sandboxd/sandboxd/internal/containerrt"
	"github.com/sandboxd/sandboxd/internal/controlapi"
	"github.com/sandboxd/sandboxd/internal/ephstore"
	"github.com/sandboxd/sandboxd/internal/logging"
	"github.com/sandboxd/sandboxd/internal/pgstore"
	"github.com/sandboxd/sandboxd/internal/portalloc"
	"github.com/sandboxd/sandboxd/internal/portexposer"
	"github.com/sandboxd/sandboxd/internal/quota"
	"github.com/sandboxd/sandboxd/internal/reaper"
	"github.com/sandboxd/sandboxd/internal/rpchub"
	"github.com/sandboxd/sandboxd/internal/sandboxmgr"
)

var (
	logLevel   string
	logJSON    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control plane HTTP and WebSocket server",
	Run: func(cmd *cobra.Command, args []string) {
		logging.Init(logging.Config{Level: logging.Level(logLevel), JSONOutput: logJSON})
		log := logging.WithComponent("main")

		cfg := config.Load()
		if cfg.DatabaseURL == "" {
			log.Fatal().Msg("DATABASE_URL is required")
		}
		if cfg.JWTSecret == "" {
			log.Fatal().Msg("JWT_SECRET is required")
		}

		persistent, err := pgstore.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		defer persistent.Close()
		log.Info().Msg("connected to postgres")

		ephemeral, err := ephstore.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		log.Info().Msg("connected to redis")

		containers, err := containerrt.New(cfg.ContainerStartupTimeout)
		if err != nil {
			log.Fatal().Err(err).Msg("docker backend unavailable")
		}
		defer containers.Close()

		known, err := persistent.ListActiveSandboxes()
		if err != nil {
			log.Warn().Err(err).Msg("failed to list active sandboxes for orphan cleanup")
		} else {
			knownIDs := make(map[string]bool, len(known))
			for _, sbx := range known {
				knownIDs[sbx.ID] = true
			}
			startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			containers.CleanOrphans(startupCtx, knownIDs)
			cancel()
		}

		auth := authgate.New(persistent, cfg.JWTSecret)
		quotas := quota.New(persistent, cfg.Tiers, cfg.MaxCredentialsPerSandbox, cfg.MaxSandboxesSystemWide)
		ports := portalloc.New(ephemeral, cfg.PortRangeStart, cfg.PortRangeEnd)
		hub := rpchub.New()
		exposer := portexposer.New(containers, ports, hub.AwaitAgent)
		sandboxes := sandboxmgr.New(persistent, ephemeral, containers, auth, quotas, ports, exposer, hub, cfg)

		r := reaper.New(persistent, ephemeral, containers, ports, cfg.CleanupInterval)
		reaperCtx, stopReaper := context.WithCancel(context.Background())
		r.Start(reaperCtx)

		api := controlapi.New(auth, quotas, sandboxes, hub, persistent, ephemeral, containers, cfg)
		httpServer := &http.Server{Addr: ":" + cfg.Port, Handler: api.Router()}

		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			sig := <-sigCh
			log.Info().Str("signal", sig.String()).Msg("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)

			hub.CloseAll()
			stopReaper()
			r.Stop()
			_ = containers.Close()
			_ = persistent.Close()
		}()

		log.Info().Str("addr", httpServer.Addr).Msg("starting sandboxd")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server exited with error")
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	serveCmd.Flags().BoolVar(&logJSON, "log-json", true, "Emit structured JSON logs")
}
