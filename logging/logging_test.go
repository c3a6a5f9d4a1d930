package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geekxflood/subagent/connstate"
)

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		logger, levelVar, closer, err := New(Config{})
		require.NoError(t, err)
		assert.NotNil(t, logger)
		assert.Equal(t, slog.LevelInfo, levelVar.Level())
		assert.Nil(t, closer)
	})

	t.Run("invalid_level", func(t *testing.T) {
		_, _, _, err := New(Config{Level: "verbose"})
		assert.Error(t, err)
	})

	t.Run("invalid_format", func(t *testing.T) {
		_, _, _, err := New(Config{Format: "xml"})
		assert.Error(t, err)
	})

	t.Run("file_output", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "agent.log")
		logger, _, closer, err := New(Config{Output: path, Format: FormatJSON})
		require.NoError(t, err)
		require.NotNil(t, closer)

		logger.Info("hello", "key", "value")
		require.NoError(t, closer.Close())

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(content), `"msg":"hello"`)
	})
}

func TestRuntimeLevelChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	logger, levelVar, closer, err := New(Config{Output: path})
	require.NoError(t, err)
	defer closer.Close()

	logger.Debug("invisible")
	levelVar.Set(slog.LevelDebug)
	logger.Debug("visible")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(content), "invisible")
	assert.Contains(t, string(content), "visible")
}

func TestComponent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	logger, _, closer, err := New(Config{Output: path})
	require.NoError(t, err)
	defer closer.Close()

	Component(logger, "agentx").Info("session opened")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "component=agentx")
}

func TestWithNotify(t *testing.T) {
	type notification struct {
		category connstate.Category
		text     string
	}

	t.Run("mirrors_records_by_level", func(t *testing.T) {
		var got []notification
		logger, _, _, err := New(Config{})
		require.NoError(t, err)

		bridged := WithNotify(logger, func(c connstate.Category, text string) {
			got = append(got, notification{c, text})
		})

		bridged.Info("AgentX subagent connected")
		bridged.Warn("AgentX master disconnected us")
		bridged.Error("Failed to connect to the agentx master agent")

		require.Len(t, got, 3)
		assert.Equal(t, notification{connstate.CategoryInfo, "AgentX subagent connected"}, got[0])
		assert.Equal(t, notification{connstate.CategoryWarning, "AgentX master disconnected us"}, got[1])
		assert.Equal(t, notification{connstate.CategoryError, "Failed to connect to the agentx master agent"}, got[2])
	})

	t.Run("notifies_below_output_level", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agent.log")
		logger, _, closer, err := New(Config{Level: LevelError, Output: path})
		require.NoError(t, err)
		defer closer.Close()

		var texts []string
		bridged := WithNotify(logger, func(_ connstate.Category, text string) {
			texts = append(texts, text)
		})

		bridged.Info("AgentX subagent connected")

		// The callback sees the record, the filtered output does not.
		assert.Equal(t, []string{"AgentX subagent connected"}, texts)
		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.False(t, strings.Contains(string(content), "connected"))
	})

	t.Run("drives_a_tracker", func(t *testing.T) {
		tracker := connstate.NewTracker("localhost:705")
		logger, _, _, err := New(Config{})
		require.NoError(t, err)
		bridged := WithNotify(logger, tracker.HandleNotification)

		require.NoError(t, tracker.ConnectAndWait(func() error {
			bridged.Info("AgentX subagent connected")
			return nil
		}))
		assert.Equal(t, connstate.StatusConnected, tracker.Current())
	})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestValidate(t *testing.T) {
	assert.True(t, ValidateLevel("WARN"))
	assert.False(t, ValidateLevel("warning2"))
	assert.True(t, ValidateFormat("json"))
	assert.False(t, ValidateFormat("yaml"))
}
