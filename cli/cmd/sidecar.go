package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"

	"github.com/pithecene-io/jssidecar/cli/config"
	"github.com/pithecene-io/jssidecar/cli/render"
	"github.com/pithecene-io/jssidecar/log"
	"github.com/pithecene-io/jssidecar/sidecar"
)

// Exit codes.
const (
	exitSuccess       = 0
	exitScriptError   = 1
	exitWorkerFailure = 2
	exitUsage         = 3
)

// defaultLogLevel keeps stderr quiet unless something goes wrong.
const defaultLogLevel = zapcore.WarnLevel

// session is the state shared by commands that start a worker.
type session struct {
	cfg      *config.Config
	logger   *log.Logger
	renderer *render.Renderer
	sidecar  *sidecar.Sidecar
}

// loadConfig reads --config, or jssidecar.yaml when present.
func loadConfig(c *cli.Context) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := c.String("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, cli.Exit(err.Error(), exitUsage)
	}
	return cfg, nil
}

// sidecarConfig merges flags over the config file.
func sidecarConfig(c *cli.Context, cfg *config.Config) sidecar.Config {
	sc := cfg.SidecarConfig()
	if c.IsSet("node") {
		sc.NodePath = c.String("node")
	}
	if c.IsSet("worker-script") {
		sc.ScriptPath = c.String("worker-script")
	}
	if c.IsSet("workers") {
		sc.NumWorkers = c.Int("workers")
	}
	if c.IsSet("max-connections") {
		sc.MaxConnections = int32(c.Int("max-connections"))
	}
	return sc
}

// newLogger builds the stderr logger from --log-level or the config file.
func newLogger(c *cli.Context, cfg *config.Config) (*log.Logger, error) {
	name := c.String("log-level")
	if name == "" {
		name = cfg.Log.Level
	}
	level := defaultLogLevel
	if name != "" {
		parsed, err := log.ParseLevel(name)
		if err != nil {
			return nil, cli.Exit(fmt.Sprintf("invalid log level: %v", err), exitUsage)
		}
		level = parsed
	}
	return log.NewLoggerWithLevel(log.Context{}, os.Stderr, level), nil
}

// openSession loads config, builds the renderer and logger, and starts the
// worker. The caller closes the session.
func openSession(ctx context.Context, c *cli.Context) (*session, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	if c.IsSet("workers") && c.Int("workers") < 0 {
		return nil, cli.Exit("--workers must be >= 0", exitUsage)
	}
	r, err := render.NewRenderer(c, cfg.Output.Format)
	if err != nil {
		return nil, cli.Exit(err.Error(), exitUsage)
	}
	logger, err := newLogger(c, cfg)
	if err != nil {
		return nil, err
	}

	scCfg := sidecarConfig(c, cfg)
	scCfg.Logger = logger
	sc, err := sidecar.New(ctx, scCfg)
	if err != nil {
		_ = logger.Sync()
		return nil, cli.Exit(fmt.Sprintf("failed to start worker: %v", err), exitWorkerFailure)
	}

	return &session{cfg: cfg, logger: logger, renderer: r, sidecar: sc}, nil
}

func (s *session) Close() error {
	err := s.sidecar.Close()
	_ = s.logger.Sync()
	return err
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// exitCodeFor maps a run error to the CLI exit code.
func exitCodeFor(err error) int {
	var scriptErr *sidecar.ScriptError
	switch {
	case err == nil:
		return exitSuccess
	case errors.As(err, &scriptErr):
		return exitScriptError
	default:
		return exitWorkerFailure
	}
}
