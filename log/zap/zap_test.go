package zap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/unkn0wn-root/querycache"
)

func TestZapLoggerFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core))

	l.Error("rollback failed", querycache.Fields{"key": "k", "err": errors.New("decode")})

	require.Equal(t, 1, logs.Len())
	e := logs.All()[0]
	assert.Equal(t, "querycache", e.LoggerName)
	assert.Equal(t, zapcore.ErrorLevel, e.Level)
	fields := e.ContextMap()
	assert.Equal(t, "k", fields["key"])
	assert.Equal(t, "decode", fields["err"])
}
