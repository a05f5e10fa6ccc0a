package flags

import (
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/glinharesb/yubihsm-enroll/internal/config"
)

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

var HostNameFlag = &cli.StringFlag{
	Name:  "host-name",
	Usage: "native messaging host name (overrides ENROLL_HOST_NAME)",
}
var DeviceFileFlag = &cli.StringFlag{
	Name:  "device-file",
	Usage: "software device file; a seeded development device is used when empty",
}
var AuthTokenFlag = &cli.StringFlag{
	Name:  "auth-token",
	Usage: "bearer token for the helper relay (overrides ENROLL_AUTH_TOKEN)",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

// SetupLogger builds the process logger from the common flags. Output goes
// to w so stdio hosts can keep stdout for the protocol.
func SetupLogger(cCtx *cli.Context, w io.Writer, service string) *slog.Logger {
	level := slog.LevelInfo
	if cCtx.Bool(LogDebugFlag.Name) {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(w, opts)
	if cCtx.Bool(LogJsonFlag.Name) {
		handler = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(handler).With("service", service)

	if cCtx.Bool(LogUidFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	slog.SetDefault(logger)
	return logger
}

// LoadConfig reads the environment and applies the flags that were set.
func LoadConfig(cCtx *cli.Context) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if cCtx.IsSet(HostNameFlag.Name) {
		cfg.HostName = cCtx.String(HostNameFlag.Name)
	}
	if cCtx.IsSet(DeviceFileFlag.Name) {
		cfg.DeviceFile = cCtx.String(DeviceFileFlag.Name)
	}
	if cCtx.IsSet(AuthTokenFlag.Name) {
		cfg.AuthToken = cCtx.String(AuthTokenFlag.Name)
	}
	return cfg, cfg.Validate()
}
