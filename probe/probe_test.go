package probe

import (
	"testing"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("requires_target", func(t *testing.T) {
		_, err := New(Options{})
		assert.Error(t, err)
	})

	t.Run("defaults", func(t *testing.T) {
		client, err := New(Options{Target: "127.0.0.1"})
		require.NoError(t, err)
		defer client.Close()

		assert.Equal(t, uint16(161), client.inner.Port)
		assert.Equal(t, "public", client.inner.Community)
		assert.Equal(t, gosnmp.Version2c, client.inner.Version)
	})
}

func TestToResult(t *testing.T) {
	t.Run("copies_octet_strings", func(t *testing.T) {
		raw := []byte("system description")
		result := toResult(gosnmp.SnmpPDU{
			Name:  ".1.3.6.1.2.1.1.1.0",
			Type:  gosnmp.OctetString,
			Value: raw,
		})
		assert.Equal(t, raw, result.Value)

		raw[0] = 'X'
		assert.NotEqual(t, raw, result.Value)
	})

	t.Run("widens_counters", func(t *testing.T) {
		result := toResult(gosnmp.SnmpPDU{
			Name:  ".1.3.6.1.4.1.8072.2.2.0",
			Type:  gosnmp.Counter32,
			Value: uint(4711),
		})
		assert.Equal(t, uint64(4711), result.Value)
	})

	t.Run("passes_integers_through", func(t *testing.T) {
		result := toResult(gosnmp.SnmpPDU{
			Name:  ".1.3.6.1.4.1.8072.2.1.0",
			Type:  gosnmp.Integer,
			Value: 42,
		})
		assert.Equal(t, 42, result.Value)
	})
}
