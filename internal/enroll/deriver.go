package enroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glinharesb/yubihsm-enroll/internal/audit"
	"github.com/glinharesb/yubihsm-enroll/internal/catalog"
	"github.com/glinharesb/yubihsm-enroll/internal/fault"
	"github.com/glinharesb/yubihsm-enroll/internal/hostproto"
	"github.com/glinharesb/yubihsm-enroll/internal/nativemsg"
	"github.com/glinharesb/yubihsm-enroll/internal/signapp"
)

// Deriver fetches the selected key's material from the host and has the
// signing application compute its compressed public key.
type Deriver struct {
	client  *nativemsg.Client
	host    string
	factory signapp.Factory
	audit   *audit.Logger
	log     *slog.Logger
}

func NewDeriver(client *nativemsg.Client, host string, factory signapp.Factory, a *audit.Logger, log *slog.Logger) *Deriver {
	if host == "" {
		host = hostproto.DefaultHostName
	}
	if log == nil {
		log = slog.Default()
	}
	return &Deriver{client: client, host: host, factory: factory, audit: a, log: log}
}

type driverOutcome struct {
	res signapp.Result
	err error
}

// Derive runs both phases for objectID. Key material failures carry
// fault.OpGetKey; driver failures carry fault.OpDerive.
func (d *Deriver) Derive(ctx context.Context, p Params, objectID uint16) (Credential, error) {
	if !p.App.Valid() {
		return Credential{}, fault.New(fault.OpDerive, fault.KindValidation, "unsupported app: %s", p.App)
	}
	viewID, err := catalog.ParseID(fault.OpGetKey, "view auth key id", p.ViewAuthKeyID)
	if err != nil {
		return Credential{}, err
	}
	signID, err := catalog.ParseID(fault.OpGetKey, "sign auth key id", p.signAuthKeyID())
	if err != nil {
		return Credential{}, err
	}

	record, err := d.keyMaterial(ctx, viewID, p.ViewPassword, objectID)
	if err != nil {
		return Credential{}, err
	}

	subject := fmt.Sprintf("object:%d", objectID)
	md := map[string]string{"app": string(p.App)}

	done := make(chan driverOutcome, 1)
	go func() {
		app, err := d.factory.New(p.App, record.PublicKey, signID, objectID)
		if err != nil {
			done <- driverOutcome{err: err}
			return
		}
		res, err := app.GetPublicKey(ctx)
		done <- driverOutcome{res: res, err: err}
	}()

	var out driverOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		err := contextFault(fault.OpDerive, ctx.Err())
		d.audit.Result("Derive", subject, err, md)
		return Credential{}, err
	}

	switch {
	case out.err != nil:
		err = fault.Wrap(fault.OpDerive, fault.KindDerivation, out.err)
	case !out.res.OK():
		err = fault.New(fault.OpDerive, fault.KindDerivation, "%s", out.res.ErrorMessage)
	case len(out.res.CompressedPK) == 0:
		err = fault.New(fault.OpDerive, fault.KindDerivation, "driver returned no public key")
	}
	if err != nil {
		d.log.Warn("derivation failed", "object_id", objectID, "app", p.App, "error", fault.Message(err))
		d.audit.Result("Derive", subject, err, md)
		return Credential{}, err
	}

	d.audit.Log("Derive", subject, audit.StatusOK, md)
	return Credential{
		CompressedPublicKey: out.res.CompressedPK,
		App:                 p.App,
		AuthKeyID:           signID,
		ObjectID:            objectID,
		BIP44Path:           p.BIP44Path,
	}, nil
}

func (d *Deriver) keyMaterial(ctx context.Context, authKeyID uint16, password string, objectID uint16) (hostproto.KeyRecord, error) {
	subject := fmt.Sprintf("object:%d", objectID)

	records, err := nativemsg.Call[[]hostproto.KeyRecord](ctx, d.client, d.host, hostproto.GetKeyRequest{
		Method:    hostproto.MethodGetAsymmetricKey,
		AuthKeyID: authKeyID,
		Password:  password,
		ObjectID:  objectID,
	})
	if err == nil && len(records) == 0 {
		err = fault.New(fault.OpGetKey, fault.KindApplication, "host returned no key material for object %d", objectID)
	}
	if err != nil {
		err = fault.Wrap(fault.OpGetKey, fault.KindTransport, err)
		d.log.Warn("get key failed", "object_id", objectID, "kind", fault.KindOf(err), "error", fault.Message(err))
		d.audit.Result("GetKey", subject, err, nil)
		return hostproto.KeyRecord{}, err
	}

	d.audit.Log("GetKey", subject, audit.StatusOK, nil)
	return records[0], nil
}

func contextFault(op fault.Op, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &fault.Error{Op: op, Kind: fault.KindTimeout, Msg: "device did not answer in time", Err: err}
	}
	return fault.Wrap(op, fault.KindDerivation, err)
}
