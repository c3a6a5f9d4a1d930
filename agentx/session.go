// Package agentx implements the subagent side of the AgentX protocol
// (RFC 2741): the PDU codec and a session that connects to a master agent
// over a unix domain socket or TCP, registers MIB subtrees and services
// get, getnext, getbulk and set requests through a Handler.
//
// The session deliberately has no connection-result API. Lifecycle is
// reported out of band: log lines on the session's logger ("AgentX
// subagent connected", "AgentX master disconnected us", "Failed to
// connect to the agentx master agent") and an index-stop callback when an
// established session is torn down. The connstate package consumes that
// stream to derive a connection status.
//
// After a session is established once, loss of the connection is handled
// autonomously: the serve loop keeps reconnecting and re-registering with
// a fixed delay until Close is called.
package agentx

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Phrases logged for connection lifecycle events. The wording matches
// net-snmp's agent library so downstream log matching works against either
// implementation.
const (
	msgConnected    = "AgentX subagent connected"
	msgDisconnected = "AgentX master disconnected us"
	msgConnectFail  = "Failed to connect to the agentx master agent"
)

// maxPayload caps incoming PDU payloads.
const maxPayload = 1 << 20

// Handler services management requests against the registered objects.
// All methods are invoked sequentially from the session's serve loop.
type Handler interface {
	// Get returns the varbind for an exact OID. Missing objects are
	// reported in-band with TypeNoSuchObject or TypeNoSuchInstance.
	Get(oid OID) Varbind

	// GetNext returns the first varbind within the search range, or a
	// TypeEndOfMIBView varbind when the range holds nothing.
	GetNext(sr SearchRange) Varbind

	// TestSet validates one assignment within a set transaction and
	// returns an SNMP error code (ErrNoError to accept).
	TestSet(transactionID uint32, vb Varbind) uint16

	// CommitSet applies the transaction's accepted assignments.
	CommitSet(transactionID uint32) uint16

	// UndoSet rolls the transaction back, CleanupSet drops its state.
	UndoSet(transactionID uint32)
	CleanupSet(transactionID uint32)
}

// Config parameterizes a Session.
type Config struct {
	// Endpoint of the master agent: a unix socket path (anything
	// containing a path separator) or a host:port TCP address.
	Endpoint string

	// Name identifies the subagent in the Open PDU.
	Name string

	// Timeout is the per-request timeout advertised to the master and
	// applied to the handshake. Defaults to 5s.
	Timeout time.Duration

	// PingInterval is the idle interval after which the session pings the
	// master to probe liveness. Defaults to 15s.
	PingInterval time.Duration

	// ReconnectDelay is the pause between reconnection attempts after an
	// established session is lost. Defaults to 3s.
	ReconnectDelay time.Duration

	// Logger receives the session's log output, including the lifecycle
	// phrases. Defaults to slog.Default().
	Logger *slog.Logger

	// OnIndexStop, if set, is called when an established session is torn
	// down. It is the lifecycle counterpart of the disconnect log line.
	OnIndexStop func()

	// Handler services requests. Required before Start.
	Handler Handler
}

// registration records a subtree so it can be replayed on reconnect.
type registration struct {
	subtree  OID
	priority uint8
}

// Session is one AgentX subagent session with a master agent.
type Session struct {
	cfg    Config
	logger *slog.Logger

	packetID atomic.Uint32
	closed   atomic.Bool

	mu        sync.Mutex
	conn      net.Conn
	sessionID uint32
	subtrees  []registration
	started   time.Time

	wg sync.WaitGroup
}

// NewSession returns an unconnected session. Subtree registrations may be
// added before Start; the connection is only attempted by Start.
func NewSession(cfg Config) *Session {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{cfg: cfg, logger: logger}
}

// Register records a subtree to announce to the master. Before Start the
// registration is local only; Start and every reconnect replay all of
// them.
func (s *Session) Register(subtree OID, priority uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subtrees = append(s.subtrees, registration{subtree: subtree.Clone(), priority: priority})
}

// Unregister withdraws a previously registered subtree: it is dropped
// from the reconnect replay list and, when a session is established,
// announced to the master. The master's acknowledgement is consumed by
// the serve loop.
func (s *Session) Unregister(subtree OID, priority uint8) error {
	s.mu.Lock()
	kept := s.subtrees[:0]
	for _, reg := range s.subtrees {
		if reg.priority == priority && reg.subtree.Compare(subtree) == 0 {
			continue
		}
		kept = append(kept, reg)
	}
	s.subtrees = kept
	conn := s.conn
	sessionID := s.sessionID
	s.mu.Unlock()

	if conn == nil || s.closed.Load() {
		return nil
	}

	payload := marshalUnregister(priority, subtree)
	h := header{
		Type:          pduUnregister,
		SessionID:     sessionID,
		PacketID:      s.packetID.Add(1),
		PayloadLength: uint32(len(payload)),
	}
	conn.SetWriteDeadline(time.Now().Add(s.cfg.Timeout))
	_, err := conn.Write(append(h.marshal(), payload...))
	return err
}

// Start performs the synchronous part of connection establishment: dial,
// Open handshake and subtree registration. On success it logs the
// connected phrase and spawns the serve loop, which from then on owns the
// connection including autonomous reconnects. On failure it logs the
// connect-failure phrase and returns the error; no background retry is
// started for a never-established session.
func (s *Session) Start() error {
	if s.cfg.Handler == nil {
		return errors.New("agentx: no handler configured")
	}

	conn, err := s.connect()
	if err != nil {
		s.logger.Error(msgConnectFail, "endpoint", s.cfg.Endpoint, "error", err)
		return fmt.Errorf("agentx: open session with %s: %w", s.cfg.Endpoint, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.started = time.Now()
	s.mu.Unlock()

	s.logger.Info(msgConnected, "endpoint", s.cfg.Endpoint, "session_id", s.sessionID)

	s.wg.Add(1)
	go s.serve(conn)
	return nil
}

// Close shuts the session down: a best-effort Close PDU, then the
// connection. The serve loop exits without reconnecting.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	conn := s.conn
	sessionID := s.sessionID
	s.mu.Unlock()

	if conn != nil {
		h := header{
			Type:      pduClose,
			SessionID: sessionID,
			PacketID:  s.packetID.Add(1),
		}
		payload := marshalClose(closeReasonShutdown)
		h.PayloadLength = uint32(len(payload))
		conn.SetWriteDeadline(time.Now().Add(s.cfg.Timeout))
		conn.Write(append(h.marshal(), payload...))
		conn.Close()
	}

	s.wg.Wait()
	return nil
}

// connect dials the master and runs the Open handshake plus registration
// replay. It returns the established connection.
func (s *Session) connect() (net.Conn, error) {
	network := "tcp"
	if strings.ContainsRune(s.cfg.Endpoint, '/') {
		network = "unix"
	}

	conn, err := net.DialTimeout(network, s.cfg.Endpoint, s.cfg.Timeout)
	if err != nil {
		return nil, err
	}

	if err := s.open(conn); err != nil {
		conn.Close()
		return nil, err
	}

	s.mu.Lock()
	subtrees := append([]registration(nil), s.subtrees...)
	s.mu.Unlock()

	for _, reg := range subtrees {
		if err := s.register(conn, reg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("register %s: %w", reg.subtree, err)
		}
	}
	return conn, nil
}

// open sends the Open PDU and records the session ID the master assigns.
func (s *Session) open(conn net.Conn) error {
	timeoutSecs := uint8(s.cfg.Timeout / time.Second)
	payload := marshalOpen(timeoutSecs, nil, s.cfg.Name)
	h := header{
		Type:          pduOpen,
		PacketID:      s.packetID.Add(1),
		PayloadLength: uint32(len(payload)),
	}

	resp, respHeader, err := s.transact(conn, h, payload)
	if err != nil {
		return err
	}
	if resp.Error != ErrNoError {
		return fmt.Errorf("master refused session: error %d", resp.Error)
	}

	s.mu.Lock()
	s.sessionID = respHeader.SessionID
	s.mu.Unlock()
	return nil
}

func (s *Session) register(conn net.Conn, reg registration) error {
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()

	timeoutSecs := uint8(s.cfg.Timeout / time.Second)
	payload := marshalRegister(timeoutSecs, reg.priority, reg.subtree)
	h := header{
		Type:          pduRegister,
		SessionID:     sessionID,
		PacketID:      s.packetID.Add(1),
		PayloadLength: uint32(len(payload)),
	}

	resp, _, err := s.transact(conn, h, payload)
	if err != nil {
		return err
	}
	if resp.Error != ErrNoError {
		return fmt.Errorf("master rejected registration: error %d", resp.Error)
	}
	return nil
}

// transact writes one administrative PDU and reads the matching Response.
func (s *Session) transact(conn net.Conn, h header, payload []byte) (responsePDU, header, error) {
	conn.SetDeadline(time.Now().Add(s.cfg.Timeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(append(h.marshal(), payload...)); err != nil {
		return responsePDU{}, header{}, err
	}

	for {
		respHeader, respPayload, err := readPDU(conn)
		if err != nil {
			return responsePDU{}, header{}, err
		}
		if respHeader.Type != pduResponse || respHeader.PacketID != h.PacketID {
			// Not ours; during handshake nothing else is expected, drop it.
			continue
		}
		resp, err := parseResponse(respPayload)
		return resp, respHeader, err
	}
}

// serve is the blocking request loop. It owns the connection until Close,
// reconnecting autonomously whenever an established session is lost.
func (s *Session) serve(conn net.Conn) {
	defer s.wg.Done()

	for {
		err := s.serveConn(conn)
		if s.closed.Load() {
			return
		}

		s.logger.Warn(msgDisconnected, "endpoint", s.cfg.Endpoint, "error", err)
		if s.cfg.OnIndexStop != nil {
			s.cfg.OnIndexStop()
		}
		conn.Close()

		conn = s.reconnect()
		if conn == nil {
			return
		}
	}
}

// serveConn dispatches requests on one connection until it fails.
func (s *Session) serveConn(conn net.Conn) error {
	pingOutstanding := false
	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PingInterval))
		h, payload, err := readPDU(conn)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if pingOutstanding {
					return errors.New("master did not answer ping")
				}
				if pingErr := s.ping(conn); pingErr != nil {
					return pingErr
				}
				pingOutstanding = true
				continue
			}
			return err
		}
		pingOutstanding = false

		if err := s.dispatch(conn, h, payload); err != nil {
			return err
		}
	}
}

// reconnect retries until a session is established or Close is called.
func (s *Session) reconnect() net.Conn {
	for !s.closed.Load() {
		time.Sleep(s.cfg.ReconnectDelay)
		if s.closed.Load() {
			return nil
		}

		conn, err := s.connect()
		if err != nil {
			s.logger.Warn(msgConnectFail, "endpoint", s.cfg.Endpoint, "error", err)
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		s.logger.Info(msgConnected, "endpoint", s.cfg.Endpoint, "session_id", s.sessionID)
		return conn
	}
	return nil
}

func (s *Session) ping(conn net.Conn) error {
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()

	h := header{
		Type:      pduPing,
		SessionID: sessionID,
		PacketID:  s.packetID.Add(1),
	}
	conn.SetWriteDeadline(time.Now().Add(s.cfg.Timeout))
	_, err := conn.Write(h.marshal())
	return err
}

// sysUptime is the session age in hundredths of a second, as Response PDUs
// carry it.
func (s *Session) sysUptime() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(time.Since(s.started) / (10 * time.Millisecond))
}

// dispatch handles one inbound PDU. A returned error tears the connection
// down.
func (s *Session) dispatch(conn net.Conn, h header, payload []byte) error {
	switch h.Type {
	case pduGet:
		ranges, err := parseSearchRanges(payload)
		if err != nil {
			return s.respond(conn, h, ErrParseError, 0, nil)
		}
		vbs := make([]Varbind, 0, len(ranges))
		for _, sr := range ranges {
			vbs = append(vbs, s.cfg.Handler.Get(sr.Start))
		}
		return s.respond(conn, h, ErrNoError, 0, vbs)

	case pduGetNext:
		ranges, err := parseSearchRanges(payload)
		if err != nil {
			return s.respond(conn, h, ErrParseError, 0, nil)
		}
		vbs := make([]Varbind, 0, len(ranges))
		for _, sr := range ranges {
			vbs = append(vbs, s.cfg.Handler.GetNext(sr))
		}
		return s.respond(conn, h, ErrNoError, 0, vbs)

	case pduGetBulk:
		pdu, err := parseGetBulk(payload)
		if err != nil {
			return s.respond(conn, h, ErrParseError, 0, nil)
		}
		return s.respond(conn, h, ErrNoError, 0, s.getBulk(pdu))

	case pduTestSet:
		vbs, err := parseVarbinds(payload)
		if err != nil {
			return s.respond(conn, h, ErrParseError, 0, nil)
		}
		for i, vb := range vbs {
			if code := s.cfg.Handler.TestSet(h.TransactionID, vb); code != ErrNoError {
				return s.respond(conn, h, code, uint16(i+1), nil)
			}
		}
		return s.respond(conn, h, ErrNoError, 0, nil)

	case pduCommitSet:
		return s.respond(conn, h, s.cfg.Handler.CommitSet(h.TransactionID), 0, nil)

	case pduUndoSet:
		s.cfg.Handler.UndoSet(h.TransactionID)
		return s.respond(conn, h, ErrNoError, 0, nil)

	case pduCleanupSet:
		// CleanupSet ends the transaction without a response.
		s.cfg.Handler.CleanupSet(h.TransactionID)
		return nil

	case pduResponse:
		// Response to one of our pings.
		return nil

	case pduClose:
		s.respond(conn, h, ErrNoError, 0, nil)
		return errors.New("master closed the session")

	default:
		s.logger.Debug("ignoring unsupported pdu", "type", h.Type)
		return s.respond(conn, h, ErrNoError, 0, nil)
	}
}

// getBulk expands a GetBulk into repeated GetNext walks.
func (s *Session) getBulk(pdu getBulkPDU) []Varbind {
	var vbs []Varbind

	n := int(pdu.NonRepeaters)
	if n > len(pdu.Ranges) {
		n = len(pdu.Ranges)
	}
	for _, sr := range pdu.Ranges[:n] {
		vbs = append(vbs, s.cfg.Handler.GetNext(sr))
	}

	for _, sr := range pdu.Ranges[n:] {
		cursor := sr
		for rep := 0; rep < int(pdu.MaxRepetitions); rep++ {
			vb := s.cfg.Handler.GetNext(cursor)
			vbs = append(vbs, vb)
			if vb.Type == TypeEndOfMIBView {
				break
			}
			cursor = SearchRange{Start: vb.Name, End: sr.End}
		}
	}
	return vbs
}

func (s *Session) respond(conn net.Conn, req header, errCode, errIndex uint16, vbs []Varbind) error {
	payload, err := marshalResponse(s.sysUptime(), errCode, errIndex, vbs)
	if err != nil {
		s.logger.Error("could not encode response", "error", err)
		payload, _ = marshalResponse(s.sysUptime(), ErrGenErr, 0, nil)
	}

	h := header{
		Type:          pduResponse,
		SessionID:     req.SessionID,
		TransactionID: req.TransactionID,
		PacketID:      req.PacketID,
		PayloadLength: uint32(len(payload)),
	}
	conn.SetWriteDeadline(time.Now().Add(s.cfg.Timeout))
	_, werr := conn.Write(append(h.marshal(), payload...))
	return werr
}

// readPDU reads one header and payload off the wire.
func readPDU(conn net.Conn) (header, []byte, error) {
	buf := make([]byte, headerLength)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return header{}, nil, err
	}

	h, err := parseHeader(buf)
	if err != nil {
		return header{}, nil, err
	}
	if h.PayloadLength > maxPayload {
		return header{}, nil, fmt.Errorf("payload length %d exceeds limit", h.PayloadLength)
	}

	payload := make([]byte, h.PayloadLength)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return header{}, nil, err
	}
	return h, payload, nil
}
