package comm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flowmesh/flowmesh/internal/domain/runtime"
	"github.com/flowmesh/flowmesh/internal/domain/storage"
	"github.com/flowmesh/flowmesh/internal/domain/transport"
	"github.com/flowmesh/flowmesh/internal/principal"
	"github.com/flowmesh/flowmesh/internal/program"
	"github.com/flowmesh/flowmesh/internal/protocol"
)

// Options wire the Manager's collaborators.
type Options struct {
	NodeID     string
	Transport  transport.Transport
	Store      storage.Store
	Compiler   runtime.Compiler
	Executor   runtime.Executor
	Schemas    runtime.SchemaRetriever
	Devices    runtime.DeviceDirectory
	Normalizer principal.Normalizer
	JoinWindow time.Duration
	RPCTimeout time.Duration
	Logger     zerolog.Logger
	Metrics    *Metrics
}

// Manager is the top-level dispatcher: it decodes inbound transport messages,
// routes them by opcode to the owning program instance or to the RPC table,
// and resolves principals to feeds for outbound sends. It exclusively owns
// the program instance registry and the pending RPC table.
type Manager struct {
	nodeID     string
	transport  transport.Transport
	store      storage.Store
	compiler   runtime.Compiler
	executor   runtime.Executor
	schemas    runtime.SchemaRetriever
	devices    runtime.DeviceDirectory
	norm       principal.Normalizer
	joinWindow time.Duration
	logger     zerolog.Logger
	metrics    *Metrics
	rpc        *rpcTable

	mu        sync.Mutex
	instances map[string]*program.Instance
}

// NewManager builds a Manager. Metrics default to a private registry so two
// managers in one process never collide on collector registration.
func NewManager(opts Options) *Manager {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(newPrivateRegistry())
	}
	return &Manager{
		nodeID:     opts.NodeID,
		transport:  opts.Transport,
		store:      opts.Store,
		compiler:   opts.Compiler,
		executor:   opts.Executor,
		schemas:    opts.Schemas,
		devices:    opts.Devices,
		norm:       opts.Normalizer,
		joinWindow: opts.JoinWindow,
		logger:     opts.Logger.With().Str("component", "comm").Logger(),
		metrics:    metrics,
		rpc:        newRPCTable(opts.RPCTimeout),
		instances:  make(map[string]*program.Instance),
	}
}

// Run consumes the transport's inbound channel until it closes or the
// context is canceled.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-m.transport.Inbound():
			if !ok {
				return nil
			}
			m.Dispatch(ctx, in)
		}
	}
}

// Dispatch decodes and routes one inbound message. Decode failures and
// version mismatches are dropped and logged, never answered.
func (m *Manager) Dispatch(ctx context.Context, in transport.Inbound) {
	msg, err := protocol.Decode(in.Payload)
	if err != nil {
		if errors.Is(err, protocol.ErrVersionMismatch) {
			m.metrics.markDropped(dropVersion)
			m.logger.Debug().Str("sender", in.SenderID).Msg("foreign protocol version, dropped")
		} else {
			m.metrics.markDropped(dropMalformed)
			m.logger.Warn().Err(err).Str("sender", in.SenderID).Msg("undecodable message, dropped")
		}
		return
	}
	m.metrics.markInbound(string(msg.Op))

	sender := m.norm.Normalize(in.SenderID)
	if sender.IsRoom() || len(sender.Accounts) != 1 {
		m.metrics.markDropped(dropMalformed)
		m.logger.Warn().Str("sender", in.SenderID).Msg("sender is not an account address, dropped")
		return
	}
	account := sender.Accounts[0]

	switch msg.Op {
	case protocol.OpInstall:
		m.handleInstall(ctx, in, msg, sender)
	case protocol.OpAbort:
		if msg.Err != nil {
			m.logger.Info().
				Str("program", msg.ProgramID).
				Str("code", msg.Err.Code).
				Str("cause", msg.Err.Message).
				Msg("remote abort")
		}
		if inst, ok := m.lookup(msg.ProgramID); ok {
			inst.ProcessAbort(ctx, account)
		} else {
			m.dropUnknown(msg)
		}
	case protocol.OpJoin:
		if inst, ok := m.lookup(msg.ProgramID); ok {
			inst.ProcessJoin(ctx, account)
		} else {
			m.dropUnknown(msg)
		}
	case protocol.OpData:
		inst, ok := m.lookup(msg.ProgramID)
		if !ok {
			m.dropUnknown(msg)
			return
		}
		value, err := protocol.UnmarshalValue(msg.Data)
		if err != nil {
			m.metrics.markDropped(dropBadPayload)
			m.logger.Warn().Err(err).Str("program", msg.ProgramID).Msg("unreadable data payload, dropped")
			return
		}
		inst.ProcessData(ctx, account, msg.Flow, value)
	case protocol.OpEnd:
		if inst, ok := m.lookup(msg.ProgramID); ok {
			inst.ProcessEnd(ctx, account, msg.Flow)
		} else {
			m.dropUnknown(msg)
		}
	case protocol.OpGetTableSchema:
		m.handleSchemaRequest(ctx, msg, sender)
	case protocol.OpTableSchemaReply:
		m.handleSchemaReply(msg, sender)
	}
}

func (m *Manager) dropUnknown(msg protocol.Message) {
	m.metrics.markDropped(dropUnknownProgram)
	m.logger.Debug().Str("program", msg.ProgramID).Str("op", string(msg.Op)).Msg("no such program, dropped")
}

func (m *Manager) lookup(programID string) (*program.Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[programID]
	return inst, ok
}

// handleInstall runs the INSTALL chain: double-install guard, instance
// registration, JOIN back to the originating room, compile, execute. Any
// failure past registration converts into an outbound ABORT and tears the
// instance down.
func (m *Manager) handleInstall(ctx context.Context, in transport.Inbound, msg protocol.Message, sender principal.Principal) {
	if m.devices != nil && m.devices.HasSuperior(m.devices.Tier()) {
		m.metrics.markDropped(dropSuperiorDevice)
		m.logger.Info().Str("program", msg.ProgramID).Msg("superior device present, install ignored")
		return
	}

	scope := m.norm.Normalize(in.FeedID)
	if !scope.IsRoom() {
		// Direct conversation: the reply path is the sender itself.
		scope = sender
	}

	inst, created := m.getOrCreate(ctx, msg.ProgramID, scope)
	if !created {
		m.logger.Debug().Str("program", msg.ProgramID).Msg("program already installed, install ignored")
		return
	}

	if err := m.send(ctx, scope, protocol.Message{Op: protocol.OpJoin, ProgramID: msg.ProgramID}); err != nil {
		m.logger.Error().Err(err).Str("program", msg.ProgramID).Msg("join announcement failed")
	}

	prog, err := m.compiler.ParseAndTypecheck(msg.Source)
	if err == nil {
		for _, flowID := range prog.Flows() {
			inst.Subscribe(ctx, flowID)
		}
		err = m.executor.Install(ctx, m.nodeID, msg.Identity, prog, msg.ProgramID)
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("program", msg.ProgramID).Msg("install failed, aborting")
		abort := protocol.Message{
			Op:        protocol.OpAbort,
			ProgramID: msg.ProgramID,
			Err:       protocol.AsError(err),
		}
		if sendErr := m.send(ctx, scope, abort); sendErr != nil {
			m.logger.Error().Err(sendErr).Str("program", msg.ProgramID).Msg("abort send failed")
		}
		m.teardown(msg.ProgramID)
	}
}

func (m *Manager) teardown(programID string) {
	m.mu.Lock()
	inst := m.instances[programID]
	delete(m.instances, programID)
	m.mu.Unlock()
	if inst != nil {
		inst.Close()
	}
}

// getOrCreate returns the live instance for programID, opening its durable
// document on first reference. The second return reports whether this call
// created it.
func (m *Manager) getOrCreate(ctx context.Context, programID string, scope principal.Principal) (*program.Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[programID]; ok {
		return inst, false
	}
	inst := program.Open(ctx, program.Options{
		ProgramID:  programID,
		Scope:      scope,
		JoinWindow: m.joinWindow,
		Store:      m.store,
		Membership: m.membershipFunc(scope),
		Logger:     m.logger,
	})
	m.instances[programID] = inst
	return inst, true
}

// membershipFunc answers room-membership checks against the live transport
// feed. List scopes resolve by containment and need no transport call.
func (m *Manager) membershipFunc(scope principal.Principal) program.MembershipFunc {
	if !scope.IsRoom() {
		return nil
	}
	return func(ctx context.Context, account string) (bool, error) {
		feed, err := m.transport.ResolveFeed(ctx, scope)
		if err != nil {
			return false, fmt.Errorf("resolve feed: %w", err)
		}
		members, err := feed.Members(ctx)
		if err != nil {
			return false, fmt.Errorf("feed members: %w", err)
		}
		for _, raw := range members {
			p := m.norm.Normalize(raw)
			if p.Contains(account) {
				return true, nil
			}
		}
		return false, nil
	}
}

// handleSchemaRequest answers a remote schema lookup. A missing table is an
// ENOENT reply, any other retrieval failure is reported with its message and
// code. A failed reply send is logged only; the requester times out.
func (m *Manager) handleSchemaRequest(ctx context.Context, msg protocol.Message, sender principal.Principal) {
	reply := protocol.Message{Op: protocol.OpTableSchemaReply, ReqID: msg.ReqID}
	schema, err := m.schemas.GetSchema(ctx, msg.Table)
	switch {
	case errors.Is(err, runtime.ErrNoSuchTable):
		reply.Err = protocol.NewError(protocol.CodeNoEntry, "no such table: "+msg.Table)
	case err != nil:
		reply.Err = protocol.AsError(err)
	default:
		reply.Types = schema.Types
		reply.Args = schema.Args
	}
	if err := m.send(ctx, sender, reply); err != nil {
		m.logger.Error().Err(err).Str("table", msg.Table).Msg("schema reply send failed")
	}
}

// handleSchemaReply settles the pending request the reply correlates with.
// Unknown ids and sender mismatches are ignored. An ENOENT error resolves to
// an empty schema; a malformed answer rejects with an invalid-argument code.
func (m *Manager) handleSchemaReply(msg protocol.Message, sender principal.Principal) {
	var out rpcOutcome
	switch {
	case msg.Err != nil && msg.Err.Code == protocol.CodeNoEntry:
		out = rpcOutcome{}
	case msg.Err != nil:
		out = rpcOutcome{err: msg.Err}
	case msg.Types == nil && msg.Args == nil:
		out = rpcOutcome{err: protocol.NewError(protocol.CodeInvalidArgument, "schema reply carries neither schema nor error")}
	case len(msg.Types) != len(msg.Args):
		out = rpcOutcome{err: protocol.NewError(protocol.CodeInvalidArgument, "schema reply type/argument arity mismatch")}
	default:
		out = rpcOutcome{schema: runtime.Schema{Types: msg.Types, Args: msg.Args}}
	}

	if !m.rpc.settle(msg.ReqID, sender.Key(), out) {
		m.metrics.markRPC(rpcIgnored)
		m.logger.Debug().Int64("req", msg.ReqID).Str("sender", sender.Key()).Msg("uncorrelated schema reply, ignored")
		return
	}
	if out.err != nil {
		m.metrics.markRPC(rpcRejected)
	} else {
		m.metrics.markRPC(rpcResolved)
	}
}

// GetTableSchemaRemote asks one remote principal for a table schema and
// blocks until reply, timeout or context cancellation. Only valid against a
// single non-group principal.
func (m *Manager) GetTableSchemaRemote(ctx context.Context, target principal.Principal, table string) (runtime.Schema, error) {
	if target.IsZero() || target.IsGroup() {
		return runtime.Schema{}, protocol.NewError(protocol.CodeInvalidArgument, "schema requests require a single account principal")
	}

	id, done := m.rpc.register(target.Key())
	req := protocol.Message{Op: protocol.OpGetTableSchema, Table: table, ReqID: id}
	if err := m.send(ctx, target, req); err != nil {
		m.rpc.abandon(id)
		return runtime.Schema{}, fmt.Errorf("schema request send: %w", err)
	}

	select {
	case <-ctx.Done():
		m.rpc.abandon(id)
		return runtime.Schema{}, ctx.Err()
	case out := <-done:
		if errors.Is(out.err, ErrSchemaTimeout) {
			m.metrics.markRPC(rpcTimeout)
		}
		return out.schema, out.err
	}
}

// InstallProgramRemote mints a program id, validates the source locally,
// registers the local instance and sends INSTALL to the target. The local
// instance subscribes every flow the program names so inbound joins and data
// have somewhere to land.
func (m *Manager) InstallProgramRemote(ctx context.Context, target principal.Principal, identity, source string) (string, error) {
	prog, err := m.compiler.ParseAndTypecheck(source)
	if err != nil {
		return "", fmt.Errorf("compile: %w", err)
	}

	programID := uuid.NewString()
	inst, _ := m.getOrCreate(ctx, programID, target)
	for _, flowID := range prog.Flows() {
		inst.Subscribe(ctx, flowID)
	}

	msg := protocol.Message{
		Op:        protocol.OpInstall,
		ProgramID: programID,
		Identity:  identity,
		Source:    source,
	}
	if err := m.send(ctx, target, msg); err != nil {
		m.teardown(programID)
		return "", fmt.Errorf("install send: %w", err)
	}
	return programID, nil
}

// Subscribe attaches local observers to one flow of a program, creating the
// instance on first reference.
func (m *Manager) Subscribe(ctx context.Context, programID string, scope principal.Principal, flowID string, observers ...program.Observer) *program.Subscription {
	inst, _ := m.getOrCreate(ctx, programID, scope)
	return inst.Subscribe(ctx, flowID, observers...)
}

// SendData publishes one payload value on a flow.
func (m *Manager) SendData(ctx context.Context, target principal.Principal, programID, flowID string, value any) error {
	raw, err := protocol.MarshalValue(value)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return m.send(ctx, target, protocol.Message{
		Op:        protocol.OpData,
		ProgramID: programID,
		Flow:      flowID,
		Data:      raw,
	})
}

// SendEndOfFlow announces that this node finished a flow.
func (m *Manager) SendEndOfFlow(ctx context.Context, target principal.Principal, programID, flowID string) error {
	return m.send(ctx, target, protocol.Message{
		Op:        protocol.OpEnd,
		ProgramID: programID,
		Flow:      flowID,
	})
}

// PublishData sends one payload value on a flow of a known program, addressed
// to the program's own scope. Used by the executor to relay program output.
func (m *Manager) PublishData(ctx context.Context, programID, flowID string, value any) error {
	inst, ok := m.lookup(programID)
	if !ok {
		return fmt.Errorf("publish data: no such program %s", programID)
	}
	return m.SendData(ctx, inst.Scope(), programID, flowID, value)
}

// PublishEnd announces end-of-flow to a known program's scope.
func (m *Manager) PublishEnd(ctx context.Context, programID, flowID string) error {
	inst, ok := m.lookup(programID)
	if !ok {
		return fmt.Errorf("publish end: no such program %s", programID)
	}
	return m.SendEndOfFlow(ctx, inst.Scope(), programID, flowID)
}

// AbortProgramRemote tells the group this node abandoned the program,
// carrying the causing error when there is one.
func (m *Manager) AbortProgramRemote(ctx context.Context, target principal.Principal, programID string, cause error) error {
	return m.send(ctx, target, protocol.Message{
		Op:        protocol.OpAbort,
		ProgramID: programID,
		Err:       protocol.AsError(cause),
	})
}

// send resolves the principal to a feed, opens it and hands over the encoded
// message. Resolution and open failures propagate: callers must be able to
// tell "refused to send" from "sent, remote ignored it".
func (m *Manager) send(ctx context.Context, target principal.Principal, msg protocol.Message) error {
	feed, err := m.transport.ResolveFeed(ctx, target)
	if err != nil {
		return fmt.Errorf("resolve feed %s: %w", target.Key(), err)
	}
	if err := feed.Open(ctx); err != nil {
		return fmt.Errorf("open feed %s: %w", feed.ID(), err)
	}
	raw, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Op, err)
	}
	if err := feed.Send(ctx, raw); err != nil {
		return fmt.Errorf("send on feed %s: %w", feed.ID(), err)
	}
	return nil
}

// ProgramSummary describes one live program for the control API.
type ProgramSummary struct {
	ProgramID    string                `json:"programId"`
	Scope        string                `json:"scope"`
	JoinDeadline time.Time             `json:"joinDeadline"`
	AllEnded     bool                  `json:"allEnded"`
	Flows        []program.FlowSummary `json:"flows"`
}

// Programs lists the live program instances.
func (m *Manager) Programs() []ProgramSummary {
	m.mu.Lock()
	instances := make([]*program.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.mu.Unlock()

	out := make([]ProgramSummary, 0, len(instances))
	for _, inst := range instances {
		out = append(out, m.summarize(inst))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ProgramID < out[b].ProgramID })
	return out
}

// Program reports one live instance by id.
func (m *Manager) Program(programID string) (ProgramSummary, bool) {
	inst, ok := m.lookup(programID)
	if !ok {
		return ProgramSummary{}, false
	}
	return m.summarize(inst), true
}

func (m *Manager) summarize(inst *program.Instance) ProgramSummary {
	return ProgramSummary{
		ProgramID:    inst.ID(),
		Scope:        m.norm.Display(inst.Scope()),
		JoinDeadline: inst.JoinDeadline(),
		AllEnded:     inst.AllEnded(),
		Flows:        inst.Summary(),
	}
}

// LocalSchema answers a schema lookup against the local retriever, for the
// control API.
func (m *Manager) LocalSchema(ctx context.Context, table string) (runtime.Schema, error) {
	return m.schemas.GetSchema(ctx, table)
}

// Close tears down every live instance.
func (m *Manager) Close() {
	m.mu.Lock()
	instances := m.instances
	m.instances = make(map[string]*program.Instance)
	m.mu.Unlock()
	for _, inst := range instances {
		inst.Close()
	}
}
