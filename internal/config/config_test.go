package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisorDefaults(t *testing.T) {
	var cfg Supervisor
	require.NoError(t, parseEnvFrom(&cfg, map[string]string{}))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:4082", cfg.Address())
	assert.Equal(t, ProtocolLauncher, cfg.Protocol)
	assert.Equal(t, 32, cfg.MaxConnections)
	assert.Equal(t, 5*time.Second, cfg.QuitTimeout)
	assert.Equal(t, 3*time.Second, cfg.TerminateTimeout)
	assert.Equal(t, "info", cfg.Level)
	assert.Empty(t, cfg.Engines)
}

func TestSupervisorEngines(t *testing.T) {
	var cfg Supervisor
	require.NoError(t, parseEnvFrom(&cfg, map[string]string{
		"USI_SUPERVISOR_ENGINES":  "yane=engines/yane/YaneuraOu,apery=/opt/apery/apery",
		"USI_SUPERVISOR_PROTOCOL": "DIRECT",
		"USI_SHARED_SECRET":       "s3cret",
	}))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, map[string]string{
		"yane":  "engines/yane/YaneuraOu",
		"apery": "/opt/apery/apery",
	}, cfg.Engines)
	assert.Equal(t, ProtocolDirect, cfg.Protocol)
	assert.Equal(t, "s3cret", cfg.Secret)
}

func TestSupervisorValidate(t *testing.T) {
	cfg := Supervisor{Port: 70000, Protocol: "ftp", MaxConnections: 0, QuitTimeout: time.Second, TerminateTimeout: time.Second}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "USI_SUPERVISOR_PORT")
	assert.Contains(t, err.Error(), "USI_SUPERVISOR_PROTOCOL")
	assert.Contains(t, err.Error(), "USI_SUPERVISOR_MAX_CONNECTIONS")
}

func TestGatewayDefaults(t *testing.T) {
	var cfg Gateway
	require.NoError(t, parseEnvFrom(&cfg, map[string]string{}))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:8080", cfg.Address())
	assert.Equal(t, "127.0.0.1:4082", cfg.SupervisorAddress())
	assert.Equal(t, time.Minute, cfg.ReconnectProtection)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.StopRetry)
	assert.Empty(t, cfg.AllowedOrigins)
}

func TestGatewayOrigins(t *testing.T) {
	var cfg Gateway
	require.NoError(t, parseEnvFrom(&cfg, map[string]string{
		"USI_GATEWAY_ALLOWED_ORIGINS":      "https://shogi.example/, ,http://localhost:5173",
		"USI_GATEWAY_RECONNECT_PROTECTION": "90s",
	}))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"https://shogi.example", "http://localhost:5173"}, cfg.AllowedOrigins)
	assert.Equal(t, 90*time.Second, cfg.ReconnectProtection)
}

func TestGatewayValidate(t *testing.T) {
	var cfg Gateway
	require.NoError(t, parseEnvFrom(&cfg, map[string]string{
		"USI_GATEWAY_STOP_RETRY": "0s",
	}))

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "USI_GATEWAY_STOP_RETRY")
}

func TestParseEnvError(t *testing.T) {
	var cfg Gateway
	err := parseEnvFrom(&cfg, map[string]string{"USI_GATEWAY_PORT": "not-an-int"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}

func TestParseEnvProcessEnvironment(t *testing.T) {
	t.Setenv("USI_GATEWAY_PORT", "9090")

	cfg, err := LoadGateway()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
}

func TestDebugSharedByBothDaemons(t *testing.T) {
	environ := map[string]string{
		"USI_PPROF_ADDR":       "127.0.0.1:6060",
		"USI_PPROF_BLOCK_RATE": "5",
	}

	var sup Supervisor
	require.NoError(t, parseEnvFrom(&sup, environ))
	var gw Gateway
	require.NoError(t, parseEnvFrom(&gw, environ))

	assert.Equal(t, "127.0.0.1:6060", sup.PprofAddr)
	assert.Equal(t, 5, sup.BlockProfileRate)
	assert.Equal(t, sup.Debug, gw.Debug)
}
