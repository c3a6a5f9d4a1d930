// Package agent ties the pieces of an AgentX subagent together: managed
// values from vartypes, the wire session from agentx, symbolic OID
// resolution from mibindex and the connection tracker from connstate.
//
// An Agent is an explicit context object: all registrations and lifecycle
// calls go through it, there is no process-wide singleton. Usage follows
// two phases. While the agent is in the registration phase, scalars and
// tables are declared; Start then connects to the master and closes
// registration, and the agent serves requests until Shutdown.
//
// Basic Usage:
//
//	a, err := agent.New(agent.Options{
//		Name:         "example-agent",
//		MasterSocket: "/var/run/agentx/master",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	uptime := vartypes.NewTimeTicks(0)
//	if err := a.RegisterScalar(".1.3.6.1.4.1.8072.2.1", uptime, false); err != nil {
//		log.Fatal(err)
//	}
//
//	if err := a.Start(); err != nil {
//		log.Fatal(err) // first connect failed, check the master socket
//	}
//	defer a.Shutdown()
//
//	a.Serve(ctx)
//
// Registered values stay live: updating them through their vartypes
// methods is immediately visible to SNMP readers, no re-registration
// involved.
package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/geekxflood/subagent/agentx"
	"github.com/geekxflood/subagent/config"
	"github.com/geekxflood/subagent/connstate"
	"github.com/geekxflood/subagent/logging"
	"github.com/geekxflood/subagent/mibindex"
	"github.com/geekxflood/subagent/vartypes"
)

// defaultPriority is the AgentX registration priority used for every
// subtree, matching the protocol's documented default.
const defaultPriority uint8 = 127

// Options configures an Agent. The zero value is usable for local testing
// against a default master socket.
type Options struct {
	// Name identifies the subagent towards the master.
	Name string

	// MasterSocket is the master's AgentX endpoint: a unix domain socket
	// path or a host:port TCP address.
	MasterSocket string

	// PersistentDir is where net-snmp style persistent state lives.
	PersistentDir string

	// Timeout, PingInterval and ReconnectDelay govern the session; zero
	// values take the session's defaults.
	Timeout        time.Duration
	PingInterval   time.Duration
	ReconnectDelay time.Duration

	// Logger receives the agent's log output. Defaults to info-level
	// logfmt on stderr.
	Logger *slog.Logger

	// MIBIndex resolves symbolic registration OIDs. Without one, only
	// numeric OID strings are accepted.
	MIBIndex *mibindex.Index
}

// ProgrammingError reports API misuse: an operation invoked in a
// connection state that forbids it.
type ProgrammingError struct {
	Op     string
	Status connstate.Status
}

func (e *ProgrammingError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s, registrations are only accepted before Start", e.Op, e.Status)
}

// VarInfo describes one registered instance for introspection dumps.
type VarInfo struct {
	Name     string
	OID      string
	Kind     string
	Writable bool
	Value    string
}

// Agent is the subagent context object.
type Agent struct {
	opts     Options
	logger   *slog.Logger
	levelVar *slog.LevelVar
	index    *mibindex.Index
	tracker  *connstate.Tracker
	registry *registry

	mu        sync.Mutex
	session   *agentx.Session
	logCloser io.Closer
	started   bool
	closed    bool
}

// New creates an agent in the registration phase.
func New(opts Options) (*Agent, error) {
	if opts.MasterSocket == "" {
		opts.MasterSocket = config.Default().Agent.MasterSocket
	}
	if opts.Name == "" {
		opts.Name = config.Default().Agent.Name
	}

	logger := opts.Logger
	var levelVar *slog.LevelVar
	var closer io.Closer
	if logger == nil {
		var err error
		logger, levelVar, closer, err = logging.New(logging.DefaultConfig())
		if err != nil {
			return nil, err
		}
	}

	return &Agent{
		opts:      opts,
		logger:    logger,
		levelVar:  levelVar,
		index:     opts.MIBIndex,
		tracker:   connstate.NewTracker(opts.MasterSocket),
		registry:  newRegistry(),
		logCloser: closer,
	}, nil
}

// NewFromConfig creates an agent from a validated configuration: the
// logger is built from the logging section and the configured MIB files
// and directories are loaded into a fresh index.
func NewFromConfig(cfg config.Config) (*Agent, error) {
	logger, levelVar, closer, err := logging.New(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    cfg.Logging.Output,
		AddSource: cfg.Logging.AddSource,
	})
	if err != nil {
		return nil, err
	}

	index := mibindex.New()
	for _, dir := range cfg.Agent.MIBDirs {
		if err := index.LoadDir(dir); err != nil {
			if closer != nil {
				closer.Close()
			}
			return nil, err
		}
	}
	for _, file := range cfg.Agent.MIBFiles {
		if err := index.LoadFile(file); err != nil {
			if closer != nil {
				closer.Close()
			}
			return nil, err
		}
	}

	a := &Agent{
		opts: Options{
			Name:           cfg.Agent.Name,
			MasterSocket:   cfg.Agent.MasterSocket,
			PersistentDir:  cfg.Agent.PersistentDir,
			Timeout:        cfg.Agent.TimeoutDuration(),
			PingInterval:   cfg.Agent.PingIntervalDuration(),
			ReconnectDelay: cfg.Agent.ReconnectDelayDuration(),
		},
		logger:    logger,
		levelVar:  levelVar,
		index:     index,
		tracker:   connstate.NewTracker(cfg.Agent.MasterSocket),
		registry:  newRegistry(),
		logCloser: closer,
	}
	return a, nil
}

// Status returns the current connection status.
func (a *Agent) Status() connstate.Status {
	return a.tracker.Current()
}

// Logger returns the agent's logger for use by the embedding application.
func (a *Agent) Logger() *slog.Logger {
	return a.logger
}

// LevelVar returns the runtime log level control, or nil when the agent
// was handed an external logger.
func (a *Agent) LevelVar() *slog.LevelVar {
	return a.levelVar
}

// MIBIndex returns the agent's MIB index, or nil when none is configured.
func (a *Agent) MIBIndex() *mibindex.Index {
	return a.index
}

// RegisterScalar declares a managed scalar served at oidstr's instance
// node (the registered OID plus .0). The OID string may be numeric or, if
// the agent has a MIB index, symbolic. Only allowed before Start.
func (a *Agent) RegisterScalar(oidstr string, value *vartypes.Value, writable bool) error {
	if st := a.tracker.Current(); st != connstate.StatusRegistration {
		return &ProgrammingError{Op: "RegisterScalar", Status: st}
	}
	if value == nil {
		return fmt.Errorf("register %s: nil value", oidstr)
	}
	if writable && !value.Kind().Settable() {
		return fmt.Errorf("register %s: %s cannot be writable", oidstr, value.Kind())
	}

	oid, err := a.resolve(oidstr)
	if err != nil {
		return err
	}
	if a.registry.conflicts(oid) {
		return fmt.Errorf("register %s: overlaps an existing registration", oidstr)
	}

	a.registry.addScalar(oidstr, oid, value, writable)
	a.logger.Debug("registered scalar", "oid", oid.String(), "kind", value.Kind().String(), "writable", writable)
	return nil
}

// RegisterTable declares a managed table at oidstr with the given column
// layout. Rows are added to the returned Table, before or after Start.
func (a *Agent) RegisterTable(oidstr string, columns []ColumnSpec) (*Table, error) {
	if st := a.tracker.Current(); st != connstate.StatusRegistration {
		return nil, &ProgrammingError{Op: "RegisterTable", Status: st}
	}

	oid, err := a.resolve(oidstr)
	if err != nil {
		return nil, err
	}
	if a.registry.conflicts(oid) {
		return nil, fmt.Errorf("register %s: overlaps an existing registration", oidstr)
	}

	table, err := newTable(oidstr, oid, columns)
	if err != nil {
		return nil, err
	}
	a.registry.addTable(table)
	a.logger.Debug("registered table", "oid", oid.String(), "columns", len(columns))
	return table, nil
}

func (a *Agent) resolve(oidstr string) (agentx.OID, error) {
	if a.index != nil {
		return a.index.ResolveOID(oidstr)
	}
	return agentx.ParseOID(oidstr)
}

// Start connects to the master, registers every declared subtree and
// reports the outcome of the first connection attempt synchronously. A
// failed first attempt is terminal: the returned error carries the
// configured endpoint. After a successful Start the session keeps itself
// connected, reconnecting on its own when the master goes away.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return fmt.Errorf("agent already started")
	}
	if a.closed {
		return fmt.Errorf("agent is shut down")
	}

	// The session reports its lifecycle through its log stream; the
	// notify bridge lets the tracker observe it without altering the
	// log output.
	sessionLogger := logging.WithNotify(
		logging.Component(a.logger, "agentx"),
		a.tracker.HandleNotification,
	)

	session := agentx.NewSession(agentx.Config{
		Endpoint:       a.opts.MasterSocket,
		Name:           a.opts.Name,
		Timeout:        a.opts.Timeout,
		PingInterval:   a.opts.PingInterval,
		ReconnectDelay: a.opts.ReconnectDelay,
		Logger:         sessionLogger,
		Handler:        a.registry,
		OnIndexStop: func() {
			a.tracker.HandleNotification(connstate.CategoryIndexStop, "index stop")
		},
	})
	for _, subtree := range a.registry.subtrees() {
		session.Register(subtree, defaultPriority)
	}

	if err := a.tracker.ConnectAndWait(session.Start); err != nil {
		return err
	}

	a.session = session
	a.started = true
	a.logger.Info("agent started", "name", a.opts.Name, "endpoint", a.opts.MasterSocket, "subtrees", len(a.registry.subtrees()))
	return nil
}

// Serve blocks until the context is cancelled, then shuts the agent down.
// Request servicing itself happens on the session's own goroutines; Serve
// exists so a main function has something to park on.
func (a *Agent) Serve(ctx context.Context) error {
	<-ctx.Done()
	return a.Shutdown()
}

// Shutdown closes the master session and releases the agent's resources.
// Safe to call multiple times.
func (a *Agent) Shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	var err error
	if a.session != nil {
		err = a.session.Close()
		a.session = nil
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
	return err
}

// Vars returns a description of every servable instance in OID order,
// for diagnostic dumps. Names come out symbolically when the agent has a
// MIB index covering them.
func (a *Agent) Vars() []VarInfo {
	instances := a.registry.snapshot()
	out := make([]VarInfo, 0, len(instances))
	for _, inst := range instances {
		name := inst.name
		if a.index != nil {
			name = a.index.NameOf(inst.oid)
		}
		out = append(out, VarInfo{
			Name:     name,
			OID:      inst.oid.String(),
			Kind:     inst.value.Kind().String(),
			Writable: inst.writable,
			Value:    inst.value.String(),
		})
	}
	return out
}
