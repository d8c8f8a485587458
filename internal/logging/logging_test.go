package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_Defaults(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	_, err := NewLogger(&Config{Level: "shout", Format: "json"})
	require.Error(t, err)
}

func TestContextFields_RunAndWorkspace(t *testing.T) {
	ctx := WithRunID(context.Background(), "run-1")
	ctx = WithWorkspaceID(ctx, "ws-1")

	fields := ContextFields(ctx)

	keys := make(map[string]string)
	for _, f := range fields {
		keys[f.Key] = f.String
	}
	assert.Equal(t, "run-1", keys["run.id"])
	assert.Equal(t, "ws-1", keys["workspace.id"])
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestTestLogger_Observes(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "run started")

	tl.AssertLogged(t, zapcore.InfoLevel, "run started")
	require.Len(t, tl.All(), 1)
}
