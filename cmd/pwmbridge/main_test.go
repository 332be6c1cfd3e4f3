package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/trackhead/internal/config"
)

func baseConfig() *config.Config {
	cfg := config.Default()
	return &cfg
}

func TestResolve_Defaults(t *testing.T) {
	cfg, err := resolve(baseConfig(), "audio_pwm", "", 0, -1)
	require.NoError(t, err)

	assert.Equal(t, "audio_pwm", cfg.Transport.Type)
	assert.Equal(t, ":4210", cfg.Bridge.ListenAddr)
	assert.Equal(t, 500, cfg.Bridge.TimeoutMs)
	assert.Equal(t, 1, cfg.Defaults.DebugLevel)
}

func TestResolve_Overrides(t *testing.T) {
	base := baseConfig()
	cfg, err := resolve(base, "simulated", "127.0.0.1:9000", 250, 3)
	require.NoError(t, err)

	assert.Equal(t, "simulated", cfg.Transport.Type)
	assert.Equal(t, "127.0.0.1:9000", cfg.Bridge.ListenAddr)
	assert.Equal(t, 250, cfg.Bridge.TimeoutMs)
	assert.Equal(t, 3, cfg.Defaults.DebugLevel)
	assert.Equal(t, ":4210", base.Bridge.ListenAddr, "base must not change")
}

func TestResolve_Rejects(t *testing.T) {
	cases := []struct {
		name      string
		output    string
		timeoutMs int
		debug     int
	}{
		{"wifi_udp_loop", "wifi_udp", 0, -1},
		{"unknown_output", "carrier_pigeon", 0, -1},
		{"negative_timeout", "audio_pwm", -5, -1},
		{"debug_too_high", "audio_pwm", 0, 7},
		{"serial_without_port", "serial", 0, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := resolve(baseConfig(), tc.output, "", tc.timeoutMs, tc.debug)
			assert.Error(t, err)
		})
	}
}
