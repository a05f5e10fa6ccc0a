package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/glinharesb/yubihsm-enroll/cmd/flags"
	"github.com/glinharesb/yubihsm-enroll/internal/audit"
	"github.com/glinharesb/yubihsm-enroll/internal/hsm"
	"github.com/glinharesb/yubihsm-enroll/internal/nativehost"
)

// Stdout carries the framed protocol, so logs and audit entries go to
// stderr.
func main() {
	app := &cli.App{
		Name:      "yubihsm-native-host",
		Usage:     "Serve YubiHSM key queries over native messaging stdio",
		ArgsUsage: "[origin]",
		Flags:     append([]cli.Flag{flags.DeviceFileFlag}, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx, os.Stderr, "yubihsm-native-host")

			cfg, err := flags.LoadConfig(cCtx)
			if err != nil {
				return err
			}

			var device hsm.Provider
			if cfg.DeviceFile != "" {
				device, err = hsm.OpenSoftwareHSM(cfg.DeviceFile)
			} else {
				device, err = hsm.NewDevSoftwareHSM()
			}
			if err != nil {
				logger.Error("open device", "err", err)
				return err
			}

			auditLogger := audit.NewLogger(cfg.AuditBuffer, os.Stderr, "native-host")
			defer auditLogger.Close()

			ctx, stop := signal.NotifyContext(cCtx.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Debug("native host started", "origin", cCtx.Args().First())
			return nativehost.NewHandler(device, auditLogger, logger).Serve(ctx, os.Stdin, os.Stdout)
		},
	}

	if err := app.RunContext(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
