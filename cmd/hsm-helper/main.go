package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/glinharesb/yubihsm-enroll/cmd/flags"
	"github.com/glinharesb/yubihsm-enroll/internal/audit"
	"github.com/glinharesb/yubihsm-enroll/internal/hostrpc"
	"github.com/glinharesb/yubihsm-enroll/internal/hsm"
	"github.com/glinharesb/yubihsm-enroll/internal/interceptor"
	"github.com/glinharesb/yubihsm-enroll/internal/nativehost"
	"github.com/glinharesb/yubihsm-enroll/internal/server"
)

var listenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Usage: "address to serve the native host relay on (overrides ENROLL_LISTEN_ADDR)",
}

func main() {
	app := &cli.App{
		Name:  "hsm-helper",
		Usage: "Relay native messaging host calls over gRPC",
		Flags: append([]cli.Flag{listenAddrFlag, flags.HostNameFlag, flags.DeviceFileFlag, flags.AuthTokenFlag}, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx, os.Stdout, "hsm-helper")

			cfg, err := flags.LoadConfig(cCtx)
			if err != nil {
				return err
			}
			if cCtx.IsSet(listenAddrFlag.Name) {
				cfg.ListenAddr = cCtx.String(listenAddrFlag.Name)
			}

			device, err := openDevice(cfg.DeviceFile, logger)
			if err != nil {
				logger.Error("open device", "err", err)
				return err
			}

			auditLogger := audit.NewLogger(cfg.AuditBuffer, os.Stdout, "hsm-helper")
			defer auditLogger.Close()

			srv := grpc.NewServer(
				grpc.ChainUnaryInterceptor(
					interceptor.RecoveryUnary(logger),
					interceptor.LoggingUnary(logger),
					interceptor.RateLimitUnary(cfg.RateLimitRPS),
					interceptor.AuthUnary(cfg.AuthToken),
				),
				grpc.ChainStreamInterceptor(
					interceptor.RecoveryStream(logger),
					interceptor.LoggingStream(logger),
					interceptor.RateLimitStream(cfg.RateLimitRPS),
					interceptor.AuthStream(cfg.AuthToken),
				),
			)

			handler := nativehost.NewHandler(device, auditLogger, logger)
			hostrpc.RegisterNativeHostServer(srv, server.NewNativeHostServer(cfg.HostName, handler, auditLogger))
			reflection.Register(srv)

			lis, err := net.Listen("tcp", cfg.ListenAddr)
			if err != nil {
				logger.Error("listen", "err", err)
				return err
			}

			ctx, stop := signal.NotifyContext(cCtx.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go func() {
				logger.Info("helper starting", "addr", cfg.ListenAddr, "host", cfg.HostName)
				if err := srv.Serve(lis); err != nil {
					logger.Error("serve", "err", err)
				}
			}()

			<-ctx.Done()
			logger.Info("shutting down")

			// Graceful shutdown with 10s timeout
			done := make(chan struct{})
			go func() {
				srv.GracefulStop()
				close(done)
			}()

			select {
			case <-done:
				logger.Info("shutdown complete")
			case <-time.After(10 * time.Second):
				logger.Warn("graceful shutdown timed out, forcing stop")
				srv.Stop()
			}
			return nil
		},
	}

	if err := app.RunContext(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func openDevice(path string, logger *slog.Logger) (hsm.Provider, error) {
	if path == "" {
		logger.Warn("no device file configured, using a seeded development device")
		return hsm.NewDevSoftwareHSM()
	}
	logger.Info("using software device", "path", path)
	return hsm.OpenSoftwareHSM(path)
}
