// Package catalog lists the asymmetric keys visible to a viewing auth key
// and tracks which one the user picked.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/glinharesb/yubihsm-enroll/internal/audit"
	"github.com/glinharesb/yubihsm-enroll/internal/fault"
	"github.com/glinharesb/yubihsm-enroll/internal/hostproto"
	"github.com/glinharesb/yubihsm-enroll/internal/nativemsg"
)

// KeyEntry is one asymmetric key object as reported by the host.
type KeyEntry struct {
	ObjectID   uint16
	ObjectType string
	Sequence   int
	PublicKey  []byte
	// Label is the display name "<object_type> #<position>".
	Label string
}

// ParseID parses a decimal device id. Surrounding space is ignored.
func ParseID(op fault.Op, field, s string) (uint16, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fault.New(op, fault.KindValidation, "%s is required", field)
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fault.New(op, fault.KindValidation, "%s must be an integer id, got %q", field, s)
	}
	return uint16(n), nil
}

// Lister fetches the key list for a viewing credential.
type Lister interface {
	ListKeys(ctx context.Context, viewAuthKeyID, viewPassword string) ([]KeyEntry, error)
}

// Fetcher asks the native host for the asymmetric keys a viewing auth key
// can see.
type Fetcher struct {
	client *nativemsg.Client
	host   string
	audit  *audit.Logger
	log    *slog.Logger
}

func NewFetcher(client *nativemsg.Client, host string, a *audit.Logger, log *slog.Logger) *Fetcher {
	if host == "" {
		host = hostproto.DefaultHostName
	}
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{client: client, host: host, audit: a, log: log}
}

// ListKeys validates the id before any host call and returns the entries
// in host order. Failures carry fault.OpListKeys.
func (f *Fetcher) ListKeys(ctx context.Context, viewAuthKeyID, viewPassword string) ([]KeyEntry, error) {
	id, err := ParseID(fault.OpListKeys, "view auth key id", viewAuthKeyID)
	if err != nil {
		return nil, err
	}
	subject := fmt.Sprintf("auth:%d", id)

	records, err := nativemsg.Call[[]hostproto.KeyRecord](ctx, f.client, f.host, hostproto.ListKeysRequest{
		Method:    hostproto.MethodListAsymmetricKeys,
		AuthKeyID: id,
		Password:  viewPassword,
	})
	if err != nil {
		err = fault.Wrap(fault.OpListKeys, fault.KindTransport, err)
		f.log.Warn("list keys failed", "auth_key_id", id, "kind", fault.KindOf(err), "error", fault.Message(err))
		f.audit.Result("ListKeys", subject, err, nil)
		return nil, err
	}

	entries := make([]KeyEntry, 0, len(records))
	for i, r := range records {
		entries = append(entries, KeyEntry{
			ObjectID:   r.ObjectID,
			ObjectType: r.ObjectType,
			Sequence:   r.Sequence,
			PublicKey:  []byte(r.PublicKey),
			Label:      fmt.Sprintf("%s #%d", r.ObjectType, i),
		})
	}
	f.log.Debug("list keys", "auth_key_id", id, "count", len(entries))
	f.audit.Log("ListKeys", subject, audit.StatusOK, map[string]string{"count": strconv.Itoa(len(entries))})
	return entries, nil
}
