package tornago

import (
	"fmt"
	"path/filepath"
	"time"
)

const (
	defaultTorBinary      = "tor"
	defaultSocksAddr      = ":0"
	defaultControlAddr    = ":0"
	defaultStartupTimeout = 30 * time.Second
)

// TorLaunchConfig controls how the Tor daemon is started by Tornago. It is immutable
// after construction via NewTorLaunchConfig.
type TorLaunchConfig struct {
	// torBinary is the tor executable path chosen at construction time.
	torBinary string
	// socksAddr is the address for Tor's SocksPort; ":0" lets Tor pick a free port.
	socksAddr string
	// controlAddr is the address for Tor's ControlPort; ":0" lets Tor pick a free port.
	controlAddr string
	// dataDir points to the Tor DataDirectory when explicitly provided.
	dataDir string
	// torConfigFile optionally specifies a torrc file passed with "-f".
	torConfigFile string
	// logReporter optionally receives Tor log output during startup errors.
	logReporter func(string)
	// extraArgs are additional CLI arguments passed to tor.
	extraArgs []string
	// startupTimeout bounds how long Tornago waits for tor to become ready.
	startupTimeout time.Duration
	// logger provides structured logging for Tor daemon operations.
	logger Logger
}

// TorLaunchOption customizes TorLaunchConfig creation.
type TorLaunchOption func(*TorLaunchConfig)

// NewTorLaunchConfig returns a validated, immutable launch config.
func NewTorLaunchConfig(opts ...TorLaunchOption) (TorLaunchConfig, error) {
	cfg := TorLaunchConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return normalizeTorLaunchConfig(cfg)
}

// TorBinary is the tor executable path; defaults to LookPath("tor") when empty.
func (c TorLaunchConfig) TorBinary() string { return c.torBinary }

// SocksAddr is the address for Tor's SocksPort; ":0" lets Tor pick a free port.
func (c TorLaunchConfig) SocksAddr() string { return c.socksAddr }

// ControlAddr is the address for Tor's ControlPort; ":0" lets Tor pick a free port.
func (c TorLaunchConfig) ControlAddr() string { return c.controlAddr }

// DataDir is the Tor DataDirectory path when explicitly configured.
func (c TorLaunchConfig) DataDir() string { return c.dataDir }

// LogReporter returns the callback registered for Tor log output.
func (c TorLaunchConfig) LogReporter() func(string) { return c.logReporter }

// ExtraArgs are passed through to the tor process at launch.
func (c TorLaunchConfig) ExtraArgs() []string {
	if len(c.extraArgs) == 0 {
		return nil
	}
	out := make([]string, len(c.extraArgs))
	copy(out, c.extraArgs)
	return out
}

// StartupTimeout bounds how long Tornago waits for tor to become ready.
func (c TorLaunchConfig) StartupTimeout() time.Duration { return c.startupTimeout }

// TorConfigFile is the optional tor configuration file path passed with "-f".
func (c TorLaunchConfig) TorConfigFile() string { return c.torConfigFile }

// Logger returns the structured logger for Tor daemon operations.
func (c TorLaunchConfig) Logger() Logger { return c.logger }

// WithTorBinary sets the tor executable path.
func WithTorBinary(path string) TorLaunchOption {
	return func(cfg *TorLaunchConfig) {
		cfg.torBinary = path
	}
}

// WithTorSocksAddr sets the SocksPort listen address.
func WithTorSocksAddr(addr string) TorLaunchOption {
	return func(cfg *TorLaunchConfig) {
		cfg.socksAddr = addr
	}
}

// WithTorControlAddr sets the ControlPort listen address.
func WithTorControlAddr(addr string) TorLaunchOption {
	return func(cfg *TorLaunchConfig) {
		cfg.controlAddr = addr
	}
}

// WithTorDataDir forces Tor to use the provided DataDirectory path.
func WithTorDataDir(path string) TorLaunchOption {
	cleaned := filepath.Clean(path)
	return func(cfg *TorLaunchConfig) {
		cfg.dataDir = cleaned
	}
}

// WithTorConfigFile sets the torrc path passed to tor via "-f".
func WithTorConfigFile(path string) TorLaunchOption {
	cleaned := filepath.Clean(path)
	return func(cfg *TorLaunchConfig) {
		cfg.torConfigFile = cleaned
	}
}

// WithTorLogReporter registers a callback to receive Tor startup logs.
func WithTorLogReporter(fn func(string)) TorLaunchOption {
	return func(cfg *TorLaunchConfig) {
		cfg.logReporter = fn
	}
}

// WithTorExtraArgs appends additional CLI args passed to tor.
func WithTorExtraArgs(args ...string) TorLaunchOption {
	// Defensive copy so callers cannot mutate after creation.
	argsCopy := append([]string(nil), args...)
	return func(cfg *TorLaunchConfig) {
		cfg.extraArgs = append([]string(nil), argsCopy...)
	}
}

// WithTorStartupTimeout sets how long Tornago waits for tor to start.
func WithTorStartupTimeout(timeout time.Duration) TorLaunchOption {
	return func(cfg *TorLaunchConfig) {
		cfg.startupTimeout = timeout
	}
}

// WithTorLogger sets the structured logger for Tor daemon operations.
func WithTorLogger(logger Logger) TorLaunchOption {
	return func(cfg *TorLaunchConfig) {
		cfg.logger = logger
	}
}

// ControlAuth holds ControlPort authentication values. It is immutable after
// creation via the helper functions below.
type ControlAuth struct {
	// password is used for the "HASHEDPASSWORD" auth method.
	password string
	// cookiePath points to the tor control cookie for cookie-based auth.
	cookiePath string
	// cookieBytes stores raw cookie data when the file is inaccessible.
	cookieBytes []byte
}

// ControlAuthFromPassword constructs ControlAuth for password-based auth.
func ControlAuthFromPassword(password string) ControlAuth {
	return ControlAuth{password: password}
}

// ControlAuthFromCookie constructs ControlAuth for cookie-based auth.
func ControlAuthFromCookie(path string) ControlAuth {
	return ControlAuth{cookiePath: path}
}

// ControlAuthFromCookieBytes constructs ControlAuth from raw cookie data.
func ControlAuthFromCookieBytes(data []byte) ControlAuth {
	return ControlAuth{cookieBytes: append([]byte(nil), data...)}
}

// Password returns the configured control password.
func (a ControlAuth) Password() string { return a.password }

// CookiePath returns the configured control cookie path.
func (a ControlAuth) CookiePath() string { return a.cookiePath }

// CookieBytes returns the raw cookie data if configured.
func (a ControlAuth) CookieBytes() []byte {
	if len(a.cookieBytes) == 0 {
		return nil
	}
	cp := make([]byte, len(a.cookieBytes))
	copy(cp, a.cookieBytes)
	return cp
}

// normalizeTorLaunchConfig applies defaults and validates the given config.
func normalizeTorLaunchConfig(cfg TorLaunchConfig) (TorLaunchConfig, error) {
	cfg = applyTorLaunchDefaults(cfg)
	if err := validateTorLaunchConfig(cfg); err != nil {
		return TorLaunchConfig{}, err
	}
	return cfg, nil
}

// applyTorLaunchDefaults fills empty TorLaunchConfig fields with defaults.
func applyTorLaunchDefaults(cfg TorLaunchConfig) TorLaunchConfig {
	if cfg.torBinary == "" {
		cfg.torBinary = defaultTorBinary
	}
	if cfg.socksAddr == "" {
		cfg.socksAddr = defaultSocksAddr
	}
	if cfg.controlAddr == "" {
		cfg.controlAddr = defaultControlAddr
	}
	if cfg.startupTimeout == 0 {
		cfg.startupTimeout = defaultStartupTimeout
	}
	if cfg.logger == nil {
		cfg.logger = noopLogger{}
	}
	return cfg
}

// validateTorLaunchConfig ensures the launch config has required values.
func validateTorLaunchConfig(cfg TorLaunchConfig) error {
	switch {
	case cfg.torBinary == "":
		return newError(ErrInvalidConfig, "validateTorLaunchConfig",
			"TorBinary is empty. Use WithTorBinary(\"tor\") or ensure tor is in PATH", nil)
	case cfg.socksAddr == "":
		return newError(ErrInvalidConfig, "validateTorLaunchConfig",
			"SocksAddr is empty. Use WithTorSocksAddr(\":9050\") or WithTorSocksAddr(\":0\") for dynamic port", nil)
	case cfg.controlAddr == "":
		return newError(ErrInvalidConfig, "validateTorLaunchConfig",
			"ControlAddr is empty. Use WithTorControlAddr(\":9051\") or WithTorControlAddr(\":0\") for dynamic port", nil)
	case cfg.startupTimeout <= 0:
		return newError(ErrInvalidConfig, "validateTorLaunchConfig",
			fmt.Sprintf("StartupTimeout must be positive, got %v. Use WithTorStartupTimeout(30*time.Second)", cfg.startupTimeout), nil)
	}
	return nil
}
