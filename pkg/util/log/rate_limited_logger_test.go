package log

import (
	"testing"

	"github.com/go-kit/log/level"
	"github.com/stretchr/testify/assert"
)

func TestRateLimitedLogger(t *testing.T) {
	logger := NewRateLimitedLogger(10, level.Error(Logger))
	assert.NotNil(t, logger)

	logger.Log("msg", "test")
}

func TestRateLimitedLoggerDrops(t *testing.T) {
	logger := NewRateLimitedLogger(1, level.Error(Logger))

	for i := 0; i < 100; i++ {
		logger.Log("msg", "flood")
	}
	assert.Positive(t, logger.dropped.Load())
}
