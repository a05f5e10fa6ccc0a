package nativemsg_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glinharesb/yubihsm-enroll/internal/fault"
	"github.com/glinharesb/yubihsm-enroll/internal/hostproto"
	"github.com/glinharesb/yubihsm-enroll/internal/hsm"
	"github.com/glinharesb/yubihsm-enroll/internal/nativehost"
	"github.com/glinharesb/yubihsm-enroll/internal/nativemsg"
)

const testOrigin = "chrome-extension://enroll-test/"

// TestMain doubles as the native host: the stdio transport re-executes the
// test binary with GO_WANT_NATIVE_HOST set.
func TestMain(m *testing.M) {
	switch os.Getenv("GO_WANT_NATIVE_HOST") {
	case "":
		os.Exit(m.Run())
	case "hang":
		time.Sleep(time.Minute)
		os.Exit(0)
	case "crash":
		os.Stderr.WriteString("device unplugged\n")
		os.Exit(3)
	default:
		device, err := hsm.NewDevSoftwareHSM()
		if err != nil {
			os.Exit(2)
		}
		if err := nativehost.NewHandler(device, nil, nil).Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
}

func writeManifest(t *testing.T, m nativemsg.Manifest) string {
	t.Helper()
	dir := t.TempDir()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, m.Name+".json"), data, 0o600))
	return dir
}

func selfManifest(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return writeManifest(t, nativemsg.Manifest{
		Name:           hostproto.DefaultHostName,
		Path:           exe,
		Type:           "stdio",
		AllowedOrigins: []string{testOrigin},
	})
}

func TestStdioListKeys(t *testing.T) {
	transport := nativemsg.NewStdioTransport(selfManifest(t), testOrigin, nativemsg.WithEnv("GO_WANT_NATIVE_HOST=serve"))
	client := nativemsg.NewClient(transport, nativemsg.WithTimeout(10*time.Second))

	records, err := nativemsg.Call[[]hostproto.KeyRecord](context.Background(), client, hostproto.DefaultHostName,
		hostproto.ListKeysRequest{Method: hostproto.MethodListAsymmetricKeys, AuthKeyID: 1, Password: "password"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint16(1), records[0].ObjectID)
	assert.Len(t, records[0].PublicKey, 64)
}

func TestStdioPanicResponse(t *testing.T) {
	transport := nativemsg.NewStdioTransport(selfManifest(t), testOrigin, nativemsg.WithEnv("GO_WANT_NATIVE_HOST=serve"))
	client := nativemsg.NewClient(transport)

	_, err := nativemsg.Call[[]hostproto.KeyRecord](context.Background(), client, hostproto.DefaultHostName,
		hostproto.GetKeyRequest{Method: hostproto.MethodGetAsymmetricKey, AuthKeyID: 1, Password: "password", ObjectID: 99})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindApplication))
	assert.Equal(t, hsm.ErrObjectNotFound.Error(), fault.Message(err))
}

func TestStdioHostCrashIsTransportFault(t *testing.T) {
	transport := nativemsg.NewStdioTransport(selfManifest(t), testOrigin, nativemsg.WithEnv("GO_WANT_NATIVE_HOST=crash"))
	client := nativemsg.NewClient(transport)

	_, err := client.Send(context.Background(), hostproto.DefaultHostName, hostproto.Envelope{Method: hostproto.MethodListAsymmetricKeys})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindTransport))
	assert.Contains(t, err.Error(), "device unplugged")
}

func TestStdioTimeoutKillsHost(t *testing.T) {
	transport := nativemsg.NewStdioTransport(selfManifest(t), testOrigin, nativemsg.WithEnv("GO_WANT_NATIVE_HOST=hang"))
	client := nativemsg.NewClient(transport, nativemsg.WithTimeout(200*time.Millisecond))

	start := time.Now()
	_, err := client.Send(context.Background(), hostproto.DefaultHostName, hostproto.Envelope{Method: hostproto.MethodListAsymmetricKeys})
	assert.True(t, fault.Is(err, fault.KindTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestStdioMissingManifest(t *testing.T) {
	client := nativemsg.NewClient(nativemsg.NewStdioTransport(t.TempDir(), testOrigin))

	_, err := client.Send(context.Background(), hostproto.DefaultHostName, hostproto.Envelope{})
	assert.True(t, fault.Is(err, fault.KindTransport))
	assert.ErrorIs(t, err, nativemsg.ErrHostNotFound)
}

func TestStdioOriginNotAllowed(t *testing.T) {
	client := nativemsg.NewClient(nativemsg.NewStdioTransport(selfManifest(t), "chrome-extension://someone-else/"))

	_, err := client.Send(context.Background(), hostproto.DefaultHostName, hostproto.Envelope{})
	assert.True(t, fault.Is(err, fault.KindTransport))
}

func TestLoadManifest(t *testing.T) {
	dir := writeManifest(t, nativemsg.Manifest{Name: "yubihsm_native_host", Path: "bin/host", Type: "stdio"})
	m, err := nativemsg.LoadManifest(dir, "yubihsm_native_host")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "bin/host"), m.Path)
	assert.True(t, m.Allows("anything"))

	_, err = nativemsg.LoadManifest(dir, "../etc/passwd")
	assert.Error(t, err)

	bad := writeManifest(t, nativemsg.Manifest{Name: "yubihsm_native_host", Path: "/bin/host", Type: "pipe"})
	_, err = nativemsg.LoadManifest(bad, "yubihsm_native_host")
	assert.ErrorContains(t, err, "unsupported manifest type")
}
