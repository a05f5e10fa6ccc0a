// Package nativehost implements the host side of the yubihsm native
// messaging protocol on top of an hsm.Provider.
package nativehost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/glinharesb/yubihsm-enroll/internal/audit"
	"github.com/glinharesb/yubihsm-enroll/internal/hostproto"
	"github.com/glinharesb/yubihsm-enroll/internal/hsm"
	"github.com/glinharesb/yubihsm-enroll/internal/nativemsg"
)

// Handler answers native messaging requests. Every request yields a
// response; failures are reported as status "panic".
type Handler struct {
	device hsm.Provider
	audit  *audit.Logger
	log    *slog.Logger
}

func NewHandler(device hsm.Provider, a *audit.Logger, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{device: device, audit: a, log: log}
}

// Handle decodes one request and dispatches it to the device.
func (h *Handler) Handle(ctx context.Context, request []byte) (resp *hostproto.Response) {
	method := "unknown"
	defer func() {
		if r := recover(); r != nil {
			file, line := panicSite()
			h.log.Error("native host panic recovered", "method", method, "panic", r, "file", file, "line", line)
			resp = hostproto.Panic(fmt.Sprint(r), file, line)
		}
		h.audit.Log("HostCall", method, auditStatus(resp), nil)
	}()

	var env hostproto.Envelope
	if err := json.Unmarshal(request, &env); err != nil {
		return failure(fmt.Errorf("malformed request: %w", err))
	}
	method = env.Method

	if err := ctx.Err(); err != nil {
		return failure(err)
	}

	switch env.Method {
	case hostproto.MethodListAsymmetricKeys:
		var req hostproto.ListKeysRequest
		if err := json.Unmarshal(request, &req); err != nil {
			return failure(fmt.Errorf("malformed %s request: %w", env.Method, err))
		}
		objects, err := h.device.ListAsymmetricKeys(req.AuthKeyID, req.Password)
		if err != nil {
			return failure(err)
		}
		return ok(toRecords(objects))

	case hostproto.MethodGetAsymmetricKey:
		var req hostproto.GetKeyRequest
		if err := json.Unmarshal(request, &req); err != nil {
			return failure(fmt.Errorf("malformed %s request: %w", env.Method, err))
		}
		obj, err := h.device.GetAsymmetricKey(req.AuthKeyID, req.Password, req.ObjectID)
		if err != nil {
			return failure(err)
		}
		// The host always answers with a collection, even for one object.
		return ok(toRecords([]hsm.Object{obj}))

	default:
		return failure(fmt.Errorf("unknown method %q", env.Method))
	}
}

// Serve answers framed requests from r on w until r is exhausted.
func (h *Handler) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	for {
		frame, err := nativemsg.ReadFrame(r, nativemsg.MaxClientMessage)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := nativemsg.WriteMessage(w, h.Handle(ctx, frame), nativemsg.MaxHostMessage); err != nil {
			return err
		}
	}
}

func toRecords(objects []hsm.Object) []hostproto.KeyRecord {
	records := make([]hostproto.KeyRecord, 0, len(objects))
	for _, o := range objects {
		records = append(records, hostproto.KeyRecord{
			ObjectID:   o.ID,
			ObjectType: string(o.Type),
			Sequence:   o.Sequence,
			PublicKey:  hostproto.Bytes(o.PublicKey),
		})
	}
	return records
}

func ok(payload any) *hostproto.Response {
	resp, err := hostproto.OK(payload)
	if err != nil {
		return failure(err)
	}
	return resp
}

func failure(err error) *hostproto.Response {
	_, file, line, _ := runtime.Caller(1)
	return hostproto.Panic(err.Error(), filepath.Base(file), line)
}

func auditStatus(resp *hostproto.Response) string {
	if resp != nil && resp.Status == hostproto.StatusOK {
		return audit.StatusOK
	}
	return audit.StatusError
}

// panicSite finds the first non-runtime frame above the deferred recover.
func panicSite() (string, int) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, "runtime.") {
			return filepath.Base(f.File), f.Line
		}
		if !more {
			return "", 0
		}
	}
}
