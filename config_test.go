package msgbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionConfigValidate(t *testing.T) {
	t.Run("minimal", func(t *testing.T) {
		cfg := SessionConfig{Host: "tcp://127.0.0.1:55555"}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("missing host", func(t *testing.T) {
		assert.Error(t, SessionConfig{}.Validate())
	})

	t.Run("compression out of range", func(t *testing.T) {
		cfg := SessionConfig{Host: "tcp://h", CompressionLevel: 10}
		assert.Error(t, cfg.Validate())
	})

	t.Run("reconnect forever allowed", func(t *testing.T) {
		cfg := SessionConfig{Host: "tcp://h", ReconnectRetries: -1}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("reconnect below forever rejected", func(t *testing.T) {
		cfg := SessionConfig{Host: "tcp://h", ReconnectRetries: -2}
		assert.Error(t, cfg.Validate())
	})
}

func TestSessionConfigDefaults(t *testing.T) {
	var cfg SessionConfig
	assert.Equal(t, DefaultConnectTimeout, cfg.connectTimeout())
	assert.Equal(t, uint16(DefaultKeepAlive), cfg.keepAlive())

	cfg.ConnectTimeout = time.Second
	cfg.KeepAlive = 5
	assert.Equal(t, time.Second, cfg.connectTimeout())
	assert.Equal(t, uint16(5), cfg.keepAlive())
}
