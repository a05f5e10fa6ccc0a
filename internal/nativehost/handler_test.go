package nativehost

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/glinharesb/yubihsm-enroll/internal/audit"
	"github.com/glinharesb/yubihsm-enroll/internal/hostproto"
	"github.com/glinharesb/yubihsm-enroll/internal/hsm"
	"github.com/glinharesb/yubihsm-enroll/internal/nativemsg"
)

func newHandler(t *testing.T) (*Handler, *hsm.SoftwareHSM) {
	t.Helper()
	device, err := hsm.NewDevSoftwareHSM()
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	return NewHandler(device, nil, nil), device
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestHandleListAsymmetricKeys(t *testing.T) {
	h, _ := newHandler(t)
	resp := h.Handle(context.Background(), mustJSON(t, hostproto.ListKeysRequest{
		Method: hostproto.MethodListAsymmetricKeys, AuthKeyID: 1, Password: "password",
	}))
	if resp.Status != hostproto.StatusOK {
		t.Fatalf("expected ok, got %s: %s", resp.Status, resp.Error)
	}

	var records []hostproto.KeyRecord
	if err := json.Unmarshal(resp.Payload, &records); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(records) != 2 || records[0].ObjectID != 1 || records[1].ObjectID != 2 {
		t.Fatalf("unexpected records %+v", records)
	}
	if records[0].ObjectType != "ecp256k1" || len(records[0].PublicKey) != 64 {
		t.Fatalf("unexpected record shape %+v", records[0])
	}
}

func TestHandleGetAsymmetricKeyReturnsCollection(t *testing.T) {
	h, device := newHandler(t)
	resp := h.Handle(context.Background(), mustJSON(t, hostproto.GetKeyRequest{
		Method: hostproto.MethodGetAsymmetricKey, AuthKeyID: 1, Password: "password", ObjectID: 2,
	}))
	if resp.Status != hostproto.StatusOK {
		t.Fatalf("expected ok, got %s: %s", resp.Status, resp.Error)
	}

	var records []hostproto.KeyRecord
	if err := json.Unmarshal(resp.Payload, &records); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected a single-element collection, got %d", len(records))
	}
	want, _ := device.GetAsymmetricKey(1, "password", 2)
	if !bytes.Equal(records[0].PublicKey, want.PublicKey) {
		t.Fatal("public key mismatch")
	}
}

func TestHandleDeviceErrorIsPanicStatus(t *testing.T) {
	h, _ := newHandler(t)
	resp := h.Handle(context.Background(), mustJSON(t, hostproto.ListKeysRequest{
		Method: hostproto.MethodListAsymmetricKeys, AuthKeyID: 1, Password: "wrong",
	}))
	if resp.Status != hostproto.StatusPanic {
		t.Fatalf("expected panic status, got %s", resp.Status)
	}
	if resp.PanicMessage() != hsm.ErrAuthFailed.Error() {
		t.Fatalf("unexpected message %q", resp.PanicMessage())
	}
	if resp.File == "" || resp.Line == 0 {
		t.Fatal("expected failure location")
	}
}

func TestHandleMalformedAndUnknown(t *testing.T) {
	h, _ := newHandler(t)
	for _, req := range [][]byte{
		[]byte(`not json`),
		[]byte(`{"method":"eraseDevice"}`),
		[]byte(`{"method":"listAsymmetricKeys","auth_key_id":70000,"password":"x"}`),
	} {
		if resp := h.Handle(context.Background(), req); resp.Status != hostproto.StatusPanic {
			t.Fatalf("%s: expected panic status, got %s", req, resp.Status)
		}
	}
}

type panickingDevice struct{ hsm.Provider }

func (panickingDevice) ListAsymmetricKeys(uint16, string) ([]hsm.Object, error) {
	panic("usb transfer failed")
}

func TestHandleRecoversPanic(t *testing.T) {
	logger := audit.NewLogger(10, nil, "host")
	h := NewHandler(panickingDevice{}, logger, nil)

	resp := h.Handle(context.Background(), mustJSON(t, hostproto.ListKeysRequest{Method: hostproto.MethodListAsymmetricKeys, AuthKeyID: 1}))
	logger.Close()

	if resp.Status != hostproto.StatusPanic || resp.Error != "usb transfer failed" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.File != "handler_test.go" {
		t.Fatalf("expected panic site in handler_test.go, got %q", resp.File)
	}
	entries := logger.Query(audit.Filter{Operation: "HostCall"})
	if len(entries) != 1 || entries[0].Status != audit.StatusError || entries[0].Subject != hostproto.MethodListAsymmetricKeys {
		t.Fatalf("unexpected audit entries %+v", entries)
	}
}

func TestServeFramedLoop(t *testing.T) {
	h, _ := newHandler(t)

	var in bytes.Buffer
	nativemsg.WriteMessage(&in, hostproto.ListKeysRequest{Method: hostproto.MethodListAsymmetricKeys, AuthKeyID: 1, Password: "password"}, nativemsg.MaxClientMessage)
	nativemsg.WriteMessage(&in, hostproto.GetKeyRequest{Method: hostproto.MethodGetAsymmetricKey, AuthKeyID: 1, Password: "password", ObjectID: 1}, nativemsg.MaxClientMessage)

	var out bytes.Buffer
	if err := h.Serve(context.Background(), &in, &out); err != nil {
		t.Fatalf("serve: %v", err)
	}

	for i := 0; i < 2; i++ {
		var resp hostproto.Response
		if err := nativemsg.ReadMessage(&out, &resp, nativemsg.MaxHostMessage); err != nil {
			t.Fatalf("response %d: %v", i, err)
		}
		if resp.Status != hostproto.StatusOK {
			t.Fatalf("response %d: status %s", i, resp.Status)
		}
	}
}
