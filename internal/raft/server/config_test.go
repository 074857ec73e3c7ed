package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, uint32(150), config.ElectionTimeoutFactor)
	assert.Equal(t, uint32(5), config.LeaderAliveSkew)
	assert.Equal(t, 3, config.MaxVoteRequestRetries)
	assert.NotNil(t, config.Codec)
	assert.NotNil(t, config.Logger)
	assert.NoError(t, validateConfig(config))
}

func TestValidateConfig(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		assert.Error(t, validateConfig(nil))
	})

	t.Run("zero election timeout factor", func(t *testing.T) {
		config := DefaultConfig()
		config.ElectionTimeoutFactor = 0
		assert.ErrorContains(t, validateConfig(config), "ElectionTimeoutFactor")
	})

	t.Run("zero leader alive skew", func(t *testing.T) {
		config := DefaultConfig()
		config.LeaderAliveSkew = 0
		assert.ErrorContains(t, validateConfig(config), "LeaderAliveSkew")
	})

	t.Run("zero heartbeat period", func(t *testing.T) {
		config := DefaultConfig()
		config.HeartbeatPeriod = 0
		assert.ErrorContains(t, validateConfig(config), "HeartbeatPeriod")
	})

	t.Run("heartbeat not below election timeout", func(t *testing.T) {
		config := DefaultConfig()
		config.HeartbeatPeriod = config.ElectionTimeoutFactor
		assert.ErrorContains(t, validateConfig(config), "less than")
	})

	t.Run("negative vote retries", func(t *testing.T) {
		config := DefaultConfig()
		config.MaxVoteRequestRetries = -1
		assert.ErrorContains(t, validateConfig(config), "MaxVoteRequestRetries")
	})

	t.Run("missing codec", func(t *testing.T) {
		config := DefaultConfig()
		config.Codec = nil
		assert.ErrorContains(t, validateConfig(config), "Codec")
	})
}
