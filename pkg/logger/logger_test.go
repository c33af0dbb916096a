package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestNew_RespectsLevel(t *testing.T) {
	log, err := New("warn", FormatJSON)
	require.NoError(t, err)

	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.WarnLevel))
}

func TestComponent_ReturnsChild(t *testing.T) {
	base := NewNop()
	child := base.Component("presence")

	require.NotNil(t, child)
	assert.NotSame(t, base, child)
}

func TestNew_ConsoleFormat(t *testing.T) {
	log, err := New("debug", "Console")
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestConnection_ReturnsChild(t *testing.T) {
	base := NewNop()
	assert.NotSame(t, base, base.Connection("u1", "c1"))
}
