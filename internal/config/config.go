package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"golang.org/x/term"
)

const (
	TransportStdio = "stdio"
	TransportGRPC  = "grpc"
)

// Config is read from ENROLL_* environment variables. Command line flags
// override individual fields after Load.
type Config struct {
	HostName      string        `envconfig:"HOST_NAME" default:"yubihsm_native_host"`
	ManifestDir   string        `envconfig:"MANIFEST_DIR"`
	Origin        string        `envconfig:"ORIGIN" default:"enroll-cli"`
	Transport     string        `envconfig:"TRANSPORT" default:"stdio"`
	HelperAddr    string        `envconfig:"HELPER_ADDR" default:"127.0.0.1:50061"`
	ListenAddr    string        `envconfig:"LISTEN_ADDR" default:"127.0.0.1:50061"`
	AuthToken     string        `envconfig:"AUTH_TOKEN" default:"dev-token"`
	CallTimeout   time.Duration `envconfig:"CALL_TIMEOUT" default:"30s"`
	SubmitTimeout time.Duration `envconfig:"SUBMIT_TIMEOUT" default:"90s"`
	DataDir       string        `envconfig:"DATA_DIR"`
	AuditBuffer   int           `envconfig:"AUDIT_BUFFER" default:"1024"`
	RateLimitRPS  int           `envconfig:"RATE_LIMIT_RPS" default:"20"`
	DeviceFile    string        `envconfig:"DEVICE_FILE"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("enroll", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Transport {
	case TransportStdio, TransportGRPC:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.HostName == "" {
		return errors.New("host name is required")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call timeout must be positive, got %s", c.CallTimeout)
	}
	if c.SubmitTimeout <= 0 {
		return fmt.Errorf("submit timeout must be positive, got %s", c.SubmitTimeout)
	}
	if c.AuditBuffer < 0 {
		return fmt.Errorf("audit buffer cannot be negative")
	}
	return nil
}

// ReadPassword prompts on stderr and reads a password from the terminal
// without echo.
func ReadPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal: pass the password by flag")
	}
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)

	raw, err := term.ReadPassword(fd)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	defer clear(raw)
	if len(raw) == 0 {
		return "", errors.New("password cannot be empty")
	}
	return string(raw), nil
}
