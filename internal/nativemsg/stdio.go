package nativemsg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

var hostNamePattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)*$`)

var ErrHostNotFound = errors.New("native messaging host not found")

// Manifest is a native messaging host registration.
type Manifest struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Path           string   `json:"path"`
	Type           string   `json:"type"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// LoadManifest reads <dir>/<host>.json. Relative executable paths are
// resolved against dir.
func LoadManifest(dir, host string) (*Manifest, error) {
	if !hostNamePattern.MatchString(host) {
		return nil, fmt.Errorf("invalid native host name %q", host)
	}
	data, err := os.ReadFile(filepath.Join(dir, host+".json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrHostNotFound, host)
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", host, err)
	}
	if m.Name != host {
		return nil, fmt.Errorf("manifest name %q does not match host %q", m.Name, host)
	}
	if m.Type != "stdio" {
		return nil, fmt.Errorf("unsupported manifest type %q", m.Type)
	}
	if m.Path == "" {
		return nil, fmt.Errorf("manifest %s has no path", host)
	}
	if !filepath.IsAbs(m.Path) {
		m.Path = filepath.Join(dir, m.Path)
	}
	return &m, nil
}

// Allows reports whether origin may talk to the host. An empty allow-list
// admits every origin.
func (m *Manifest) Allows(origin string) bool {
	if len(m.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range m.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// StdioTransport launches the host executable once per request and speaks
// length-prefixed JSON over its stdin and stdout.
type StdioTransport struct {
	manifestDir string
	origin      string
	env         []string
}

type StdioOption func(*StdioTransport)

// WithEnv appends environment variables for the host process.
func WithEnv(kv ...string) StdioOption {
	return func(t *StdioTransport) { t.env = append(t.env, kv...) }
}

func NewStdioTransport(manifestDir, origin string, opts ...StdioOption) *StdioTransport {
	t := &StdioTransport{manifestDir: manifestDir, origin: origin}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *StdioTransport) RoundTrip(ctx context.Context, host string, request []byte) ([]byte, error) {
	m, err := LoadManifest(t.manifestDir, host)
	if err != nil {
		return nil, err
	}
	if !m.Allows(t.origin) {
		return nil, fmt.Errorf("origin %q is not allowed by host %s", t.origin, host)
	}

	cmd := exec.CommandContext(ctx, m.Path, t.origin)
	cmd.Env = append(os.Environ(), t.env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start native host %s: %w", host, err)
	}

	writeErr := WriteFrame(stdin, request, MaxClientMessage)
	stdin.Close()

	resp, readErr := ReadFrame(stdout, MaxHostMessage)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil && (writeErr != nil || readErr != nil) {
		return nil, fmt.Errorf("native host %s exited: %w (%s)", host, waitErr, tail(stderr.String()))
	}
	if writeErr != nil {
		return nil, fmt.Errorf("send to native host %s: %w", host, writeErr)
	}
	if readErr != nil {
		return nil, fmt.Errorf("native host %s disconnected: %w", host, readErr)
	}
	return resp, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 256 {
		s = s[len(s)-256:]
	}
	return s
}
