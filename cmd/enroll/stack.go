package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/glinharesb/yubihsm-enroll/cmd/flags"
	"github.com/glinharesb/yubihsm-enroll/internal/audit"
	"github.com/glinharesb/yubihsm-enroll/internal/catalog"
	"github.com/glinharesb/yubihsm-enroll/internal/config"
	"github.com/glinharesb/yubihsm-enroll/internal/enroll"
	"github.com/glinharesb/yubihsm-enroll/internal/hsm"
	"github.com/glinharesb/yubihsm-enroll/internal/keystore"
	"github.com/glinharesb/yubihsm-enroll/internal/nativemsg"
	"github.com/glinharesb/yubihsm-enroll/internal/signapp"
)

// stack is the wired enrollment stack for one CLI invocation.
type stack struct {
	cfg         config.Config
	log         *slog.Logger
	audit       *audit.Logger
	keyring     *keystore.Keyring
	coordinator *enroll.Coordinator
	closers     []func() error
}

func newStack(cCtx *cli.Context) (*stack, error) {
	logger := flags.SetupLogger(cCtx, cCtx.App.ErrWriter, "enroll")

	cfg, err := flags.LoadConfig(cCtx)
	if err != nil {
		return nil, err
	}
	a := &stack{cfg: cfg, log: logger}

	var auditOut io.Writer
	if cCtx.Bool(flags.LogDebugFlag.Name) {
		auditOut = cCtx.App.ErrWriter
	}
	a.audit = audit.NewLogger(cfg.AuditBuffer, auditOut, "enroll")
	a.closers = append(a.closers, func() error { a.audit.Close(); return nil })

	transport, err := a.transport()
	if err != nil {
		a.Close()
		return nil, err
	}
	client := nativemsg.NewClient(transport, nativemsg.WithTimeout(cfg.CallTimeout), nativemsg.WithLogger(logger))

	store, err := a.store()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.keyring = keystore.NewKeyring(store, logger)

	var checker signapp.KeyChecker
	if cfg.DeviceFile != "" {
		device, err := hsm.OpenSoftwareHSM(cfg.DeviceFile)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open device: %w", err)
		}
		checker = device
	}

	cat := catalog.New(catalog.NewFetcher(client, cfg.HostName, a.audit, logger), a.audit, logger)
	deriver := enroll.NewDeriver(client, cfg.HostName, signapp.NewSoftwareFactory(checker), a.audit, logger)
	router := enroll.NewRouter(a.keyring, a.keyring, &printNavigator{w: cCtx.App.Writer}, a.keyring, a.audit, logger)
	a.coordinator = enroll.NewCoordinator(cat, deriver, router,
		enroll.WithSubmitTimeout(cfg.SubmitTimeout),
		enroll.WithLogger(logger),
	)
	return a, nil
}

func (a *stack) transport() (nativemsg.Transport, error) {
	switch a.cfg.Transport {
	case config.TransportGRPC:
		t, err := nativemsg.DialGRPC(a.cfg.HelperAddr, a.cfg.AuthToken)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, t.Close)
		a.log.Debug("using helper relay", "addr", a.cfg.HelperAddr)
		return t, nil
	default:
		if a.cfg.ManifestDir == "" {
			return nil, errors.New("ENROLL_MANIFEST_DIR is required for the stdio transport")
		}
		return nativemsg.NewStdioTransport(a.cfg.ManifestDir, a.cfg.Origin), nil
	}
}

func (a *stack) store() (keystore.Store, error) {
	if a.cfg.DataDir == "" {
		a.log.Warn("no data dir configured, vaults are kept in memory only")
		return keystore.NewMemoryStore(), nil
	}
	path := filepath.Join(a.cfg.DataDir, "vaults.json")
	ps, err := keystore.NewPersistentStore(path)
	if err != nil {
		return nil, fmt.Errorf("persistent store: %w", err)
	}
	a.log.Debug("using persistent store", "path", path)
	return ps, nil
}

func (a *stack) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close", "err", err)
		}
	}
	a.closers = nil
}

// printNavigator reports navigation on the terminal.
type printNavigator struct {
	w io.Writer
}

func (n *printNavigator) Navigate(_ context.Context, path string, replace bool) error {
	if replace {
		_, err := fmt.Fprintf(n.w, "-> %s\n", path)
		return err
	}
	_, err := fmt.Fprintf(n.w, "-> %s (push)\n", path)
	return err
}
