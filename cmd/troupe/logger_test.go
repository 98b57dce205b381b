package main

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLogger_EnvLevelUsedWhenFlagUnset(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "debug")
	defer slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cleanup, err := initLogger("", "", "")
	require.NoError(t, err)
	require.Nil(t, cleanup)

	assert.True(t, slog.Default().Enabled(context.Background(), slog.LevelDebug))
}

func TestInitLogger_FlagOverridesEnv(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "debug")
	defer slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cleanup, err := initLogger("error", "", "")
	require.NoError(t, err)
	require.Nil(t, cleanup)

	assert.False(t, slog.Default().Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, slog.Default().Enabled(context.Background(), slog.LevelError))
}

func TestInitLogger_DefaultsToInfo(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "")
	defer slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cleanup, err := initLogger("", "", "")
	require.NoError(t, err)
	require.Nil(t, cleanup)

	assert.True(t, slog.Default().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, slog.Default().Enabled(context.Background(), slog.LevelDebug))
}

func TestInitLogger_RejectsUnknownLevel(t *testing.T) {
	_, err := initLogger("loud", "", "")
	assert.Error(t, err)
}
