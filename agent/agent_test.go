package agent

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geekxflood/subagent/agentx"
	"github.com/geekxflood/subagent/connstate"
	"github.com/geekxflood/subagent/vartypes"
)

func TestRegisterScalarValidation(t *testing.T) {
	newAgent := func(t *testing.T) *Agent {
		a, err := New(Options{Name: "test", MasterSocket: "localhost:705"})
		require.NoError(t, err)
		return a
	}

	t.Run("nil_value", func(t *testing.T) {
		a := newAgent(t)
		assert.Error(t, a.RegisterScalar(".1.3.6.1.4.1.8072.2.1", nil, false))
	})

	t.Run("writable_counter", func(t *testing.T) {
		a := newAgent(t)
		err := a.RegisterScalar(".1.3.6.1.4.1.8072.2.1", vartypes.NewCounter32(0), true)
		assert.ErrorContains(t, err, "cannot be writable")
	})

	t.Run("bad_oid", func(t *testing.T) {
		a := newAgent(t)
		assert.Error(t, a.RegisterScalar("not-an-oid", vartypes.NewInteger32(0), false))
	})

	t.Run("overlapping_registration", func(t *testing.T) {
		a := newAgent(t)
		require.NoError(t, a.RegisterScalar(".1.3.6.1.4.1.8072.2.1", vartypes.NewInteger32(0), false))

		err := a.RegisterScalar(".1.3.6.1.4.1.8072.2.1", vartypes.NewInteger32(0), false)
		assert.ErrorContains(t, err, "overlaps")
		err = a.RegisterScalar(".1.3.6.1.4.1.8072.2", vartypes.NewInteger32(0), false)
		assert.ErrorContains(t, err, "overlaps")
	})
}

func TestRegistrationClosedAfterStartAttempt(t *testing.T) {
	// Grab a port and close it again so the first connect is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	endpoint := ln.Addr().String()
	ln.Close()

	a, err := New(Options{Name: "test", MasterSocket: endpoint, Timeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, a.RegisterScalar(".1.3.6.1.4.1.8072.2.1", vartypes.NewInteger32(0), false))

	err = a.Start()
	require.Error(t, err)
	var connErr *connstate.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, endpoint, connErr.Endpoint)
	assert.Equal(t, connstate.StatusConnectFailed, a.Status())

	err = a.RegisterScalar(".1.3.6.1.4.1.8072.2.2", vartypes.NewInteger32(0), false)
	var progErr *ProgrammingError
	require.ErrorAs(t, err, &progErr)
	assert.Equal(t, "RegisterScalar", progErr.Op)
}

func TestRegistryGetAndGetNext(t *testing.T) {
	r := newRegistry()
	r.addScalar("first", agentx.MustParseOID("1.3.6.1.4.1.8072.2.1"), vartypes.NewInteger32(7), false)
	r.addScalar("second", agentx.MustParseOID("1.3.6.1.4.1.8072.2.3"), vartypes.NewGauge32(99), false)

	t.Run("get_exact", func(t *testing.T) {
		vb := r.Get(agentx.MustParseOID("1.3.6.1.4.1.8072.2.1.0"))
		assert.Equal(t, agentx.TypeInteger, vb.Type)
		assert.Equal(t, int32(7), vb.Value)
	})

	t.Run("get_no_such_instance", func(t *testing.T) {
		vb := r.Get(agentx.MustParseOID("1.3.6.1.4.1.8072.2.1.1"))
		assert.Equal(t, agentx.TypeNoSuchInstance, vb.Type)
	})

	t.Run("get_no_such_object", func(t *testing.T) {
		vb := r.Get(agentx.MustParseOID("1.3.6.1.4.1.9999"))
		assert.Equal(t, agentx.TypeNoSuchObject, vb.Type)
	})

	t.Run("getnext_walk", func(t *testing.T) {
		vb := r.GetNext(agentx.SearchRange{Start: agentx.MustParseOID("1.3.6.1.4.1.8072.2")})
		assert.Equal(t, ".1.3.6.1.4.1.8072.2.1.0", vb.Name.String())

		vb = r.GetNext(agentx.SearchRange{Start: vb.Name})
		assert.Equal(t, ".1.3.6.1.4.1.8072.2.3.0", vb.Name.String())

		vb = r.GetNext(agentx.SearchRange{Start: vb.Name})
		assert.Equal(t, agentx.TypeEndOfMIBView, vb.Type)
	})

	t.Run("getnext_include", func(t *testing.T) {
		start := agentx.MustParseOID("1.3.6.1.4.1.8072.2.1.0")
		vb := r.GetNext(agentx.SearchRange{Start: start, Include: true})
		assert.Equal(t, start.String(), vb.Name.String())
	})

	t.Run("getnext_bounded", func(t *testing.T) {
		vb := r.GetNext(agentx.SearchRange{
			Start: agentx.MustParseOID("1.3.6.1.4.1.8072.2.2"),
			End:   agentx.MustParseOID("1.3.6.1.4.1.8072.2.3"),
		})
		assert.Equal(t, agentx.TypeEndOfMIBView, vb.Type)
	})
}

func TestRegistrySetTransaction(t *testing.T) {
	setup := func(t *testing.T) (*registry, *vartypes.Value) {
		r := newRegistry()
		value := vartypes.NewDisplayString("before")
		r.addScalar("writable", agentx.MustParseOID("1.3.6.1.4.1.8072.2.1"), value, true)
		r.addScalar("readonly", agentx.MustParseOID("1.3.6.1.4.1.8072.2.2"), vartypes.NewInteger32(0), false)
		return r, value
	}
	instance := agentx.MustParseOID("1.3.6.1.4.1.8072.2.1.0")

	t.Run("commit", func(t *testing.T) {
		r, value := setup(t)
		vb := agentx.Varbind{Type: agentx.TypeOctetString, Name: instance, Value: []byte("after")}
		require.Equal(t, agentx.ErrNoError, r.TestSet(1, vb))
		require.Equal(t, agentx.ErrNoError, r.CommitSet(1))
		r.CleanupSet(1)
		assert.Equal(t, "after", value.Get())
	})

	t.Run("undo_restores", func(t *testing.T) {
		r, value := setup(t)
		vb := agentx.Varbind{Type: agentx.TypeOctetString, Name: instance, Value: []byte("after")}
		require.Equal(t, agentx.ErrNoError, r.TestSet(2, vb))
		require.Equal(t, agentx.ErrNoError, r.CommitSet(2))
		r.UndoSet(2)
		r.CleanupSet(2)
		assert.Equal(t, "before", value.Get())
	})

	t.Run("missing_instance", func(t *testing.T) {
		r, _ := setup(t)
		vb := agentx.Varbind{Type: agentx.TypeOctetString, Name: agentx.MustParseOID("1.3.6.1.4.1.8072.2.9.0"), Value: []byte("x")}
		assert.Equal(t, agentx.ErrNoCreation, r.TestSet(3, vb))
	})

	t.Run("read_only", func(t *testing.T) {
		r, _ := setup(t)
		vb := agentx.Varbind{Type: agentx.TypeInteger, Name: agentx.MustParseOID("1.3.6.1.4.1.8072.2.2.0"), Value: int32(1)}
		assert.Equal(t, agentx.ErrNotWritable, r.TestSet(4, vb))
	})

	t.Run("wrong_type", func(t *testing.T) {
		r, _ := setup(t)
		vb := agentx.Varbind{Type: agentx.TypeInteger, Name: instance, Value: int32(1)}
		assert.Equal(t, agentx.ErrWrongType, r.TestSet(5, vb))
	})

	t.Run("wrong_value", func(t *testing.T) {
		r, _ := setup(t)
		// DisplayString rejects non-ASCII payloads.
		vb := agentx.Varbind{Type: agentx.TypeOctetString, Name: instance, Value: []byte{0xff, 0xfe}}
		assert.Equal(t, agentx.ErrWrongValue, r.TestSet(6, vb))
	})
}

func TestTableRows(t *testing.T) {
	table, err := newTable("testTable", agentx.MustParseOID("1.3.6.1.4.1.8072.3"), []ColumnSpec{
		{Kind: vartypes.KindDisplayString},
		{Kind: vartypes.KindUnsigned32, Writable: true},
	})
	require.NoError(t, err)

	require.NoError(t, table.AddRow(agentx.OID{1}, vartypes.NewDisplayString("eth0"), vartypes.NewUnsigned32(1500)))
	require.NoError(t, table.AddRow(agentx.OID{2}, vartypes.NewDisplayString("lo"), vartypes.NewUnsigned32(65536)))
	assert.Equal(t, 2, table.Len())

	t.Run("validation", func(t *testing.T) {
		assert.Error(t, table.AddRow(agentx.OID{}, vartypes.NewDisplayString("x"), vartypes.NewUnsigned32(0)))
		assert.Error(t, table.AddRow(agentx.OID{3}, vartypes.NewDisplayString("x")))
		assert.Error(t, table.AddRow(agentx.OID{3}, vartypes.NewUnsigned32(0), vartypes.NewUnsigned32(0)))
	})

	t.Run("column_major_order", func(t *testing.T) {
		r := newRegistry()
		r.addTable(table)

		var walked []string
		start := agentx.MustParseOID("1.3.6.1.4.1.8072.3")
		for {
			vb := r.GetNext(agentx.SearchRange{Start: start})
			if vb.Type == agentx.TypeEndOfMIBView {
				break
			}
			walked = append(walked, vb.Name.String())
			start = vb.Name
		}
		assert.Equal(t, []string{
			".1.3.6.1.4.1.8072.3.1.1.1",
			".1.3.6.1.4.1.8072.3.1.1.2",
			".1.3.6.1.4.1.8072.3.1.2.1",
			".1.3.6.1.4.1.8072.3.1.2.2",
		}, walked)
	})

	t.Run("live_row_changes", func(t *testing.T) {
		r := newRegistry()
		r.addTable(table)

		table.DeleteRow(agentx.OID{2})
		vb := r.Get(agentx.MustParseOID("1.3.6.1.4.1.8072.3.1.1.2"))
		assert.Equal(t, agentx.TypeNoSuchInstance, vb.Type)

		cells := table.Row(agentx.OID{1})
		require.Len(t, cells, 2)
		assert.Equal(t, "eth0", cells[0].Get())
	})

	t.Run("rejects_writable_counter_column", func(t *testing.T) {
		_, err := newTable("bad", agentx.MustParseOID("1.3.6.1.4.1.8072.4"), []ColumnSpec{
			{Kind: vartypes.KindCounter64, Writable: true},
		})
		assert.Error(t, err)
	})
}

func TestVars(t *testing.T) {
	a, err := New(Options{Name: "test", MasterSocket: "localhost:705"})
	require.NoError(t, err)

	require.NoError(t, a.RegisterScalar(".1.3.6.1.4.1.8072.2.1", vartypes.NewDisplayString("hello"), false))
	require.NoError(t, a.RegisterScalar(".1.3.6.1.4.1.8072.2.2", vartypes.NewCounter64(12), false))

	vars := a.Vars()
	require.Len(t, vars, 2)
	assert.Equal(t, ".1.3.6.1.4.1.8072.2.1.0", vars[0].OID)
	assert.Equal(t, "DisplayString", vars[0].Kind)
	assert.Equal(t, "hello", vars[0].Value)
	assert.Equal(t, "Counter64", vars[1].Kind)
	assert.Equal(t, "12", vars[1].Value)
}

// fakeMaster acknowledges administrative PDUs the way a master agent
// would, without interpreting their payloads.
func fakeMaster(conn net.Conn) {
	const (
		typeResponse = 18
	)
	for {
		head := make([]byte, 20)
		if _, err := io.ReadFull(conn, head); err != nil {
			return
		}
		payload := make([]byte, binary.LittleEndian.Uint32(head[16:]))
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}

		resp := make([]byte, 20+8)
		resp[0] = 1
		resp[1] = typeResponse
		binary.LittleEndian.PutUint32(resp[4:], 42)      // session ID
		copy(resp[8:16], head[8:16])                     // transaction and packet IDs
		binary.LittleEndian.PutUint32(resp[16:], 8)      // payload length
		binary.LittleEndian.PutUint16(resp[24:], 0)      // no error
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func TestAgentLifecycle(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go fakeMaster(conn)
		}
	}()

	a, err := New(Options{
		Name:         "lifecycle-test",
		MasterSocket: ln.Addr().String(),
		Timeout:      2 * time.Second,
		PingInterval: time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, a.RegisterScalar(".1.3.6.1.4.1.8072.2.1", vartypes.NewTimeTicks(0), false))

	require.NoError(t, a.Start())
	assert.Equal(t, connstate.StatusConnected, a.Status())

	// Registration is closed once the agent has started.
	err = a.RegisterScalar(".1.3.6.1.4.1.8072.2.2", vartypes.NewInteger32(0), false)
	var progErr *ProgrammingError
	assert.ErrorAs(t, err, &progErr)

	_, err = a.RegisterTable(".1.3.6.1.4.1.8072.3", []ColumnSpec{{Kind: vartypes.KindInteger32}})
	assert.ErrorAs(t, err, &progErr)

	// Double start is refused, shutdown is idempotent.
	assert.Error(t, a.Start())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	cancel()
	require.NoError(t, <-done)
	require.NoError(t, a.Shutdown())
}

func TestScratchValueCoversAllKinds(t *testing.T) {
	for _, kind := range []vartypes.Kind{
		vartypes.KindInteger32, vartypes.KindUnsigned32, vartypes.KindCounter32,
		vartypes.KindCounter64, vartypes.KindGauge32, vartypes.KindTimeTicks,
		vartypes.KindTruthValue, vartypes.KindOpaqueFloat, vartypes.KindIpAddress,
		vartypes.KindOctetString, vartypes.KindDisplayString,
	} {
		v := scratchValue(kind)
		require.NotNil(t, v, kind.String())
		assert.Equal(t, kind, v.Kind())
	}
}
