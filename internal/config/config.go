// Package config describes both daemons' settings. Everything comes from the
// environment; there is no config file and no flag surface.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Supervisor protocols.
const (
	// ProtocolLauncher authenticates on connect, then accepts "run <id>" or "list".
	ProtocolLauncher = "launcher"
	// ProtocolDirect reads a bare selector line, authenticates, then spawns.
	ProtocolDirect = "direct"
)

// Logging is shared by both daemons.
type Logging struct {
	Level string `env:"USI_LOG_LEVEL" envDefault:"info"`
	Path  string `env:"USI_LOG_PATH"`
}

// Debug enables the profiling listener. It is off unless an address is set.
type Debug struct {
	PprofAddr            string `env:"USI_PPROF_ADDR"`
	BlockProfileRate     int    `env:"USI_PPROF_BLOCK_RATE"`
	MutexProfileFraction int    `env:"USI_PPROF_MUTEX_FRACTION"`
}

// Supervisor configures the Process Supervisor.
type Supervisor struct {
	Logging
	Debug

	BindAddress      string            `env:"USI_SUPERVISOR_BIND" envDefault:"127.0.0.1"`
	Port             int               `env:"USI_SUPERVISOR_PORT" envDefault:"4082"`
	Protocol         string            `env:"USI_SUPERVISOR_PROTOCOL" envDefault:"launcher"`
	Engines          map[string]string `env:"USI_SUPERVISOR_ENGINES" envSeparator:"," envKeyValSeparator:"="`
	EnginesFile      string            `env:"USI_SUPERVISOR_ENGINES_FILE"`
	MaxConnections   int               `env:"USI_SUPERVISOR_MAX_CONNECTIONS" envDefault:"32"`
	QuitTimeout      time.Duration     `env:"USI_SUPERVISOR_QUIT_TIMEOUT" envDefault:"5s"`
	TerminateTimeout time.Duration     `env:"USI_SUPERVISOR_TERMINATE_TIMEOUT" envDefault:"3s"`
	PIDFile          string            `env:"USI_SUPERVISOR_PID_FILE"`
	Secret           string            `env:"USI_SHARED_SECRET"`
}

// Gateway configures the Session Gateway.
type Gateway struct {
	Logging
	Debug

	BindAddress         string        `env:"USI_GATEWAY_BIND" envDefault:"0.0.0.0"`
	Port                int           `env:"USI_GATEWAY_PORT" envDefault:"8080"`
	SupervisorHost      string        `env:"USI_SUPERVISOR_HOST" envDefault:"127.0.0.1"`
	SupervisorPort      int           `env:"USI_SUPERVISOR_PORT" envDefault:"4082"`
	AllowedOrigins      []string      `env:"USI_GATEWAY_ALLOWED_ORIGINS" envSeparator:","`
	ReconnectProtection time.Duration `env:"USI_GATEWAY_RECONNECT_PROTECTION" envDefault:"60s"`
	ConnectTimeout      time.Duration `env:"USI_GATEWAY_CONNECT_TIMEOUT" envDefault:"5s"`
	HandshakeTimeout    time.Duration `env:"USI_GATEWAY_HANDSHAKE_TIMEOUT" envDefault:"30s"`
	StopRetry           time.Duration `env:"USI_GATEWAY_STOP_RETRY" envDefault:"5s"`
	PIDFile             string        `env:"USI_GATEWAY_PID_FILE"`
	Secret              string        `env:"USI_SHARED_SECRET"`
}

// LoadSupervisor parses and validates the supervisor settings.
func LoadSupervisor() (*Supervisor, error) {
	cfg := &Supervisor{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadGateway parses and validates the gateway settings.
func LoadGateway() (*Gateway, error) {
	cfg := &Gateway{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Supervisor) Validate() error {
	var errs []error
	if err := validatePort("USI_SUPERVISOR_PORT", c.Port); err != nil {
		errs = append(errs, err)
	}
	c.Protocol = strings.ToLower(strings.TrimSpace(c.Protocol))
	if c.Protocol != ProtocolLauncher && c.Protocol != ProtocolDirect {
		errs = append(errs, fmt.Errorf("USI_SUPERVISOR_PROTOCOL must be %q or %q, got %q", ProtocolLauncher, ProtocolDirect, c.Protocol))
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("USI_SUPERVISOR_MAX_CONNECTIONS must be positive, got %d", c.MaxConnections))
	}
	if c.QuitTimeout <= 0 || c.TerminateTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeouts must be positive"))
	}
	return errors.Join(errs...)
}

// Address is the listen address.
func (c *Supervisor) Address() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

// Validate checks ranges.
func (c *Gateway) Validate() error {
	var errs []error
	if err := validatePort("USI_GATEWAY_PORT", c.Port); err != nil {
		errs = append(errs, err)
	}
	if err := validatePort("USI_SUPERVISOR_PORT", c.SupervisorPort); err != nil {
		errs = append(errs, err)
	}
	if c.SupervisorHost == "" {
		errs = append(errs, errors.New("USI_SUPERVISOR_HOST is required"))
	}
	for name, d := range map[string]time.Duration{
		"USI_GATEWAY_RECONNECT_PROTECTION": c.ReconnectProtection,
		"USI_GATEWAY_CONNECT_TIMEOUT":      c.ConnectTimeout,
		"USI_GATEWAY_HANDSHAKE_TIMEOUT":    c.HandshakeTimeout,
		"USI_GATEWAY_STOP_RETRY":           c.StopRetry,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	origins := c.AllowedOrigins[:0]
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, strings.TrimRight(o, "/"))
		}
	}
	c.AllowedOrigins = origins
	return errors.Join(errs...)
}

// Address is the listen address.
func (c *Gateway) Address() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

// SupervisorAddress is the upstream address.
func (c *Gateway) SupervisorAddress() string {
	return net.JoinHostPort(c.SupervisorHost, strconv.Itoa(c.SupervisorPort))
}

func validatePort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}
