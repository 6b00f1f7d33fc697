package logger_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worklens/trackengine/logger"
)

func TestNew_AppliesDefaults(t *testing.T) {
	l, err := logger.New(logger.Config{})
	require.NoError(t, err)
	require.NotNil(t, l)

	l.Info("engine starting", logger.String("component", "test"))
	l.Debug("suppressed at default level")
}

func TestNew_RejectsBadOutputPath(t *testing.T) {
	_, err := logger.New(logger.Config{
		OutputPaths: []string{"unknown-scheme://nowhere"},
	})
	assert.Error(t, err)
}

func TestConfig_SetDefaults(t *testing.T) {
	cfg := logger.Config{}
	cfg.SetDefaults()

	assert.Equal(t, logger.DefaultLevel, cfg.Level)
	assert.Equal(t, logger.DefaultOutputPaths, cfg.OutputPaths)

	custom := logger.Config{Level: "debug", OutputPaths: []string{"stderr"}}
	custom.SetDefaults()
	assert.Equal(t, "debug", custom.Level)
	assert.Equal(t, []string{"stderr"}, custom.OutputPaths)
}

func TestWith_AttachesFields(t *testing.T) {
	l, err := logger.New(logger.Config{Level: "debug"})
	require.NoError(t, err)

	child := l.With(logger.String("job_id", "j1"), logger.Int64("elapsed", 42))
	require.NotNil(t, child)
	child.Warn("capture dropped", logger.Error(errors.New("in flight")))
}

func TestNop_SwallowsEverything(t *testing.T) {
	l := logger.NewNop()
	l.Info("ignored")
	l.Error("also ignored", logger.Bool("flag", true))
	assert.NoError(t, l.Sync())
	assert.NotNil(t, l.With(logger.String("k", "v")))
}
