package connstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTracker(t *testing.T) {
	tracker := NewTracker("/var/run/agentx/master")
	assert.Equal(t, StatusRegistration, tracker.Current())
	assert.Equal(t, "/var/run/agentx/master", tracker.Endpoint())
}

func TestConnectAndWait(t *testing.T) {
	t.Run("no_notifications_is_success", func(t *testing.T) {
		tracker := NewTracker("localhost:705")

		err := tracker.ConnectAndWait(func() error { return nil })

		assert.NoError(t, err)
		assert.Equal(t, StatusFirstConnect, tracker.Current())
	})

	t.Run("success_notification", func(t *testing.T) {
		tracker := NewTracker("localhost:705")

		err := tracker.ConnectAndWait(func() error {
			tracker.HandleNotification(CategoryInfo,
				"NET-SNMP version 5.9.4 AgentX subagent connected")
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, StatusConnected, tracker.Current())
	})

	t.Run("failure_notification", func(t *testing.T) {
		tracker := NewTracker("/var/run/agentx/master")

		err := tracker.ConnectAndWait(func() error {
			tracker.HandleNotification(CategoryError,
				"Failed to register the agentx master agent")
			return nil
		})

		require.Error(t, err)
		assert.Equal(t, StatusConnectFailed, tracker.Current())

		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, "/var/run/agentx/master", connErr.Endpoint)
		assert.Contains(t, err.Error(), "/var/run/agentx/master")
	})

	t.Run("initiate_error", func(t *testing.T) {
		tracker := NewTracker("localhost:705")

		err := tracker.ConnectAndWait(func() error {
			return assert.AnError
		})

		require.Error(t, err)
		assert.Equal(t, StatusConnectFailed, tracker.Current())

		// The initiation failure stays reachable through the error chain.
		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, "localhost:705", connErr.Endpoint)
		assert.ErrorIs(t, err, assert.AnError)
		assert.Contains(t, err.Error(), assert.AnError.Error())
	})
}

func TestDisconnectAndRecovery(t *testing.T) {
	tracker := NewTracker("localhost:705")

	require.NoError(t, tracker.ConnectAndWait(func() error {
		tracker.HandleNotification(CategoryInfo, "AgentX subagent connected")
		return nil
	}))
	require.Equal(t, StatusConnected, tracker.Current())

	tracker.HandleNotification(CategoryWarning, "AgentX master disconnected us")
	assert.Equal(t, StatusReconnecting, tracker.Current())

	// A failure while reconnecting must not become terminal.
	tracker.HandleNotification(CategoryError,
		"Failed to connect to the agentx master agent")
	assert.Equal(t, StatusReconnecting, tracker.Current())

	tracker.HandleNotification(CategoryInfo, "AgentX subagent connected")
	assert.Equal(t, StatusConnected, tracker.Current())
}

func TestIndexStop(t *testing.T) {
	t.Run("while_connected", func(t *testing.T) {
		tracker := NewTracker("localhost:705")
		require.NoError(t, tracker.ConnectAndWait(func() error {
			tracker.HandleNotification(CategoryInfo, "AgentX subagent connected")
			return nil
		}))

		tracker.HandleNotification(CategoryIndexStop, "")
		assert.Equal(t, StatusReconnecting, tracker.Current())
	})

	t.Run("before_connect_is_ignored", func(t *testing.T) {
		tracker := NewTracker("localhost:705")
		tracker.HandleNotification(CategoryIndexStop, "")
		assert.Equal(t, StatusRegistration, tracker.Current())
	})
}

func TestNotificationsIgnoredOutsideTheirState(t *testing.T) {
	t.Run("disconnect_during_registration", func(t *testing.T) {
		tracker := NewTracker("localhost:705")
		tracker.HandleNotification(CategoryWarning, "AgentX master disconnected us")
		assert.Equal(t, StatusRegistration, tracker.Current())
	})

	t.Run("connect_failure_during_registration", func(t *testing.T) {
		tracker := NewTracker("localhost:705")
		tracker.HandleNotification(CategoryError,
			"Failed to register the agentx master agent")
		assert.Equal(t, StatusRegistration, tracker.Current())
	})

	t.Run("unmatched_text_is_a_no_op", func(t *testing.T) {
		tracker := NewTracker("localhost:705")
		require.NoError(t, tracker.ConnectAndWait(func() error { return nil }))

		tracker.HandleNotification(CategoryInfo, "Turning on AgentX subagent support")
		tracker.HandleNotification(CategoryWarning, "pdu timeout, retrying")
		tracker.HandleNotification(CategoryError, "")
		assert.Equal(t, StatusFirstConnect, tracker.Current())
	})
}

// Feeding arbitrary notification sequences must never produce a status
// outside the five defined states, and ConnectFailed must only ever be
// entered from FirstConnect.
func TestStatusDomain(t *testing.T) {
	phrases := []string{
		"AgentX subagent connected",
		"AgentX master disconnected us",
		"Failed to register the agentx master agent",
		"Failed to connect to the agentx master agent",
		"unrelated log line",
	}
	categories := []Category{CategoryInfo, CategoryWarning, CategoryError, CategoryIndexStop}

	valid := map[Status]bool{
		StatusRegistration:  true,
		StatusFirstConnect:  true,
		StatusConnectFailed: true,
		StatusConnected:     true,
		StatusReconnecting:  true,
	}

	tracker := NewTracker("localhost:705")
	require.NoError(t, tracker.ConnectAndWait(func() error { return nil }))

	for i := 0; i < 200; i++ {
		prev := tracker.Current()
		tracker.HandleNotification(categories[i%len(categories)], phrases[(i*7)%len(phrases)])
		cur := tracker.Current()

		assert.True(t, valid[cur], "status %v outside defined states", cur)
		if cur == StatusConnectFailed && prev != StatusConnectFailed {
			assert.Equal(t, StatusFirstConnect, prev,
				"ConnectFailed entered from %v", prev)
		}
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "registration", StatusRegistration.String())
	assert.Equal(t, "first-connect", StatusFirstConnect.String())
	assert.Equal(t, "connect-failed", StatusConnectFailed.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Contains(t, Status(42).String(), "unknown")
}
