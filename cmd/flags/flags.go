package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/aura/api"
	"github.com/ruteri/aura/common"
	"github.com/ruteri/aura/config"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// ConfigureServer builds the API server settings from the [http] section,
// letting --pprof switch profiling on.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, cfg config.HTTPConfig) *api.HTTPServerConfig {
	return &api.HTTPServerConfig{
		ListenAddr:               cfg.Listen,
		MetricsAddr:              cfg.Metrics,
		Log:                      logger,
		EnablePprof:              cfg.EnablePprof || cCtx.Bool(PprofFlag.Name),
		DrainDuration:            cfg.DrainDuration.Duration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		// Ceremonies run inside requests and may take every phase deadline.
		WriteTimeout: 5 * time.Minute,
	}
}

var ConfigFlag = &cli.StringFlag{
	Name:     "config",
	Aliases:  []string{"c"},
	Required: true,
	Usage:    "path to the agent's TOML configuration",
	EnvVars:  []string{"AURA_CONFIG"},
}

var AgentURLFlag = &cli.StringFlag{
	Name:    "agent",
	Value:   "http://127.0.0.1:7480",
	Usage:   "base URL of the agent API",
	EnvVars: []string{"AURA_AGENT"},
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	PprofFlag,
}
