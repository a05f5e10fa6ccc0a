package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/glinharesb/yubihsm-enroll/cmd/flags"
	"github.com/glinharesb/yubihsm-enroll/internal/catalog"
	"github.com/glinharesb/yubihsm-enroll/internal/config"
	"github.com/glinharesb/yubihsm-enroll/internal/enroll"
	"github.com/glinharesb/yubihsm-enroll/internal/fault"
	"github.com/glinharesb/yubihsm-enroll/internal/hostrpc"
	"github.com/glinharesb/yubihsm-enroll/internal/signapp"
)

var (
	authKeyIDFlag = &cli.StringFlag{
		Name:  "auth-key-id",
		Value: "1",
		Usage: "auth key id used to view device keys",
	}
	passwordFlag = &cli.StringFlag{
		Name:  "password",
		Usage: "view auth key password; prompted without echo when omitted",
	}
)

var connectFlags = []cli.Flag{
	authKeyIDFlag,
	passwordFlag,
	&cli.StringFlag{Name: "object-id", Required: true, Usage: "device object to enroll"},
	&cli.StringFlag{Name: "app", Value: string(signapp.Cosmos), Usage: "signing application: " + appList()},
	&cli.StringFlag{Name: "sign-auth-key-id", Usage: "auth key id used to sign; defaults to --auth-key-id"},
	&cli.UintFlag{Name: "account", Usage: "BIP44 account"},
	&cli.UintFlag{Name: "change", Usage: "BIP44 change"},
	&cli.UintFlag{Name: "index", Usage: "BIP44 address index"},
	&cli.StringFlag{Name: "vault-id", Usage: "append the key to this vault instead of creating one"},
	&cli.StringSliceFlag{Name: "chain", Usage: "chain id to enable after appending (repeatable)"},
	&cli.StringFlag{Name: "name", Usage: "name of the new vault"},
	&cli.StringFlag{Name: "vault-password", Usage: "password of the new vault; prompted when omitted"},
	&cli.IntFlag{Name: "step", Value: 1, Usage: "registration step this enrollment continues from"},
	&cli.IntFlag{Name: "steps", Value: 3, Usage: "total registration steps"},
}

func main() {
	app := &cli.App{
		Name:  "enroll",
		Usage: "Enroll YubiHSM keys as wallet credentials",
		Flags: append([]cli.Flag{flags.HostNameFlag, flags.DeviceFileFlag, flags.AuthTokenFlag}, flags.CommonFlags...),
		Commands: []*cli.Command{
			{
				Name:   "keys",
				Usage:  "List the asymmetric keys visible to an auth key",
				Flags:  []cli.Flag{authKeyIDFlag, passwordFlag},
				Action: keysAction,
			},
			{
				Name:   "connect",
				Usage:  "Derive a credential for a device key and store it in a vault",
				Flags:  connectFlags,
				Action: connectAction,
			},
			{
				Name:   "vaults",
				Usage:  "List stored vaults and enabled chains",
				Action: vaultsAction,
			},
			{
				Name:  "audit",
				Usage: "Query the helper audit trail",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "operation", Usage: "filter by operation"},
					&cli.StringFlag{Name: "status", Usage: "filter by status"},
					&cli.DurationFlag{Name: "since", Usage: "only entries newer than this"},
					&cli.IntFlag{Name: "limit", Value: 50, Usage: "maximum entries"},
				},
				Action: auditAction,
			},
		},
	}

	if err := app.RunContext(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func appList() string {
	apps := signapp.Supported()
	names := make([]string, len(apps))
	for i, a := range apps {
		names[i] = string(a)
	}
	return strings.Join(names, ", ")
}

func viewPassword(cCtx *cli.Context) (string, error) {
	if cCtx.IsSet(passwordFlag.Name) {
		return cCtx.String(passwordFlag.Name), nil
	}
	return config.ReadPassword("Auth key password: ")
}

func keysAction(cCtx *cli.Context) error {
	a, err := newStack(cCtx)
	if err != nil {
		return err
	}
	defer a.Close()

	password, err := viewPassword(cCtx)
	if err != nil {
		return err
	}
	snap, err := a.coordinator.RefreshKeys(cCtx.Context, cCtx.String(authKeyIDFlag.Name), password)
	if err != nil {
		return describe(err)
	}
	printKeys(cCtx, snap.Entries())
	return nil
}

func printKeys(cCtx *cli.Context, entries []catalog.KeyEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(cCtx.App.Writer, "no asymmetric keys")
		return
	}
	tw := tabwriter.NewWriter(cCtx.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OBJECT\tLABEL\tSEQUENCE\tPUBLIC KEY")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", e.ObjectID, e.Label, e.Sequence, shortHex(e.PublicKey))
	}
	tw.Flush()
}

func connectAction(cCtx *cli.Context) error {
	a, err := newStack(cCtx)
	if err != nil {
		return err
	}
	defer a.Close()

	appID, err := signapp.ParseAppID(cCtx.String("app"))
	if err != nil {
		return err
	}
	objectID, err := catalog.ParseID(fault.OpSelect, "object id", cCtx.String("object-id"))
	if err != nil {
		return describe(err)
	}
	password, err := viewPassword(cCtx)
	if err != nil {
		return err
	}

	var mode enroll.Mode
	if vaultID := cCtx.String("vault-id"); vaultID != "" {
		mode = enroll.AppendToVault{VaultID: vaultID, AfterEnableChains: cCtx.StringSlice("chain")}
	} else {
		vaultPassword := cCtx.String("vault-password")
		if vaultPassword == "" {
			if vaultPassword, err = config.ReadPassword("New vault password: "); err != nil {
				return err
			}
		}
		mode = enroll.FreshEnrollment{
			Name:         cCtx.String("name"),
			Password:     vaultPassword,
			StepPrevious: cCtx.Int("step"),
			StepTotal:    cCtx.Int("steps"),
		}
	}

	viewID := cCtx.String(authKeyIDFlag.Name)
	if _, err := a.coordinator.RefreshKeys(cCtx.Context, viewID, password); err != nil {
		return describe(err)
	}
	if _, err := a.coordinator.Toggle(objectID); err != nil {
		return describe(err)
	}

	cred, err := a.coordinator.Submit(cCtx.Context, enroll.Request{
		Params: enroll.Params{
			App:           appID,
			ViewAuthKeyID: viewID,
			SignAuthKeyID: cCtx.String("sign-auth-key-id"),
			ViewPassword:  password,
			BIP44Path: enroll.BIP44Path{
				Account:      uint32(cCtx.Uint("account")),
				Change:       uint32(cCtx.Uint("change")),
				AddressIndex: uint32(cCtx.Uint("index")),
			},
		},
		Mode: mode,
	})
	if err != nil {
		return describe(err)
	}

	fmt.Fprintf(cCtx.App.Writer, "connected %s key %d (auth key %d)\n", cred.App, cred.ObjectID, cred.AuthKeyID)
	fmt.Fprintf(cCtx.App.Writer, "  path        %s\n", cred.BIP44Path.String(cred.App))
	fmt.Fprintf(cCtx.App.Writer, "  public key  %s\n", hex.EncodeToString(cred.CompressedPublicKey))
	return nil
}

func vaultsAction(cCtx *cli.Context) error {
	a, err := newStack(cCtx)
	if err != nil {
		return err
	}
	defer a.Close()

	vaults, err := a.keyring.Vaults()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cCtx.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tAPPS\tCREATED")
	for _, v := range vaults {
		apps := make([]string, 0, len(v.Apps))
		for _, id := range v.AppIDs() {
			apps = append(apps, string(id))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", v.ID, v.Name, v.Type, strings.Join(apps, ","), v.CreatedAt.Format(time.RFC3339))
	}
	tw.Flush()

	chains, err := a.keyring.EnabledChains()
	if err != nil {
		return err
	}
	if len(chains) > 0 {
		fmt.Fprintf(cCtx.App.Writer, "enabled chains: %s\n", strings.Join(chains, ", "))
	}
	return nil
}

func auditAction(cCtx *cli.Context) error {
	flags.SetupLogger(cCtx, cCtx.App.ErrWriter, "enroll")
	cfg, err := flags.LoadConfig(cCtx)
	if err != nil {
		return err
	}

	conn, err := grpc.NewClient(cfg.HelperAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial helper %s: %w", cfg.HelperAddr, err)
	}
	defer conn.Close()

	filter := map[string]any{"limit": cCtx.Int("limit")}
	if op := cCtx.String("operation"); op != "" {
		filter["operation"] = op
	}
	if st := cCtx.String("status"); st != "" {
		filter["status"] = st
	}
	if d := cCtx.Duration("since"); d > 0 {
		filter["since"] = time.Now().Add(-d).UTC().Format(time.RFC3339)
	}
	req, err := structpb.NewStruct(filter)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cCtx.Context, cfg.CallTimeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+cfg.AuthToken)

	resp, err := hostrpc.NewClient(conn).QueryAudit(ctx, req)
	if err != nil {
		return fmt.Errorf("query audit: %w", err)
	}

	tw := tabwriter.NewWriter(cCtx.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tOPERATION\tSUBJECT\tSTATUS")
	for _, v := range resp.GetFields()["entries"].GetListValue().GetValues() {
		e := v.GetStructValue().GetFields()
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			e["timestamp"].GetStringValue(), e["operation"].GetStringValue(),
			e["subject"].GetStringValue(), e["status"].GetStringValue())
	}
	return tw.Flush()
}

// describe turns an enrollment failure into a one-line CLI error.
func describe(err error) error {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		return err
	}
	return cli.Exit(fmt.Sprintf("%s failed (%s): %s", fault.OpOf(err), fault.KindOf(err), fault.Message(err)), 1)
}

func shortHex(b []byte) string {
	s := hex.EncodeToString(b)
	if len(s) > 24 {
		return s[:12] + "..." + s[len(s)-8:]
	}
	return s
}
