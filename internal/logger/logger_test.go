package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerRedactsSensitiveKeys(t *testing.T) {
	log, logs := NewObserved()
	log.Info("turn started", "api_key", "sk-123", "creator", "auth0|abc", "message", "msg_1")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "[REDACTED]", fields["api_key"])
	assert.NotEqual(t, "auth0|abc", fields["creator"])
	assert.Equal(t, "msg_1", fields["message"])
}

func TestLoggerWithKeepsRedaction(t *testing.T) {
	log, logs := NewObserved()
	log.With("service", "test").Warn("bad", "authorization", "Bearer x")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "test", fields["service"])
	assert.Equal(t, "[REDACTED]", fields["authorization"])
}
