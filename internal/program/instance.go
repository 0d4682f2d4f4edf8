package program

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowmesh/flowmesh/internal/domain/storage"
	"github.com/flowmesh/flowmesh/internal/principal"
)

// Durable document fields. Flow entries are prefixed so they share the
// document with the top-level fields.
const (
	fieldJoinDeadline = "joinDeadline"
	fieldAllEnded     = "allEnded"
	flowFieldPrefix   = "flow/"
)

type eventKind uint8

const (
	eventData eventKind = iota + 1
	eventEnd
)

// deferredEvent is one buffered DATA or END that arrived before its flow was
// subscribed locally. JOIN and ABORT are never buffered.
type deferredEvent struct {
	kind   eventKind
	sender string
	value  any
}

// Options configure one program instance.
type Options struct {
	ProgramID  string
	Scope      principal.Principal
	JoinWindow time.Duration
	Store      storage.Store
	Membership MembershipFunc
	Logger     zerolog.Logger
	Clock      func() time.Time
}

// Instance is the shared state of one program: the registry of its flow
// Subscriptions, the deferred-message buffer, and the durable document that
// survives restarts. One live Instance exists per programId per process.
type Instance struct {
	programID  string
	scope      principal.Principal
	logger     zerolog.Logger
	clock      func() time.Time
	membership MembershipFunc
	notify     *notifier

	mu           sync.Mutex
	doc          storage.Document
	joinDeadline time.Time
	allEnded     bool
	subs         map[string]*Subscription
	deferred     map[string][]deferredEvent
}

// Open loads or creates the instance's durable document. A persistence
// failure is logged and degrades the instance to memory-only; it never
// propagates.
func Open(ctx context.Context, opts Options) *Instance {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	inst := &Instance{
		programID:  opts.ProgramID,
		scope:      opts.Scope,
		logger:     opts.Logger.With().Str("program", opts.ProgramID).Logger(),
		clock:      clock,
		membership: opts.Membership,
		notify:     newNotifier(),
		subs:       make(map[string]*Subscription),
		deferred:   make(map[string][]deferredEvent),
	}

	doc, err := opts.Store.OpenDocument(ctx, docKey(opts.ProgramID))
	if err != nil {
		inst.logger.Error().Err(err).Msg("open durable document failed, running memory-only")
		doc = newMemoryDocument()
	}
	inst.doc = doc

	if raw, ok := doc.Get(fieldJoinDeadline); ok {
		var deadline time.Time
		if err := json.Unmarshal(raw, &deadline); err != nil {
			inst.logger.Error().Err(err).Msg("corrupt join deadline, resetting")
			deadline = clock().Add(opts.JoinWindow)
		}
		inst.joinDeadline = deadline
		if raw, ok := doc.Get(fieldAllEnded); ok {
			_ = json.Unmarshal(raw, &inst.allEnded)
		}
	} else {
		// First access creates the document. The join deadline is fixed once
		// here and shared by every flow of the instance.
		inst.joinDeadline = clock().Add(opts.JoinWindow)
		if raw, err := json.Marshal(inst.joinDeadline); err == nil {
			doc.Set(fieldJoinDeadline, raw)
		}
		doc.Set(fieldAllEnded, []byte("false"))
		if err := doc.Flush(ctx); err != nil {
			inst.logger.Error().Err(err).Msg("initial document flush failed")
		}
	}
	return inst
}

func docKey(programID string) string {
	return "program/" + programID
}

// ID returns the program id.
func (i *Instance) ID() string { return i.programID }

// Scope returns the principal scope the program was installed against.
func (i *Instance) Scope() principal.Principal { return i.scope }

// JoinDeadline returns the fixed end of the join window.
func (i *Instance) JoinDeadline() time.Time { return i.joinDeadline }

// AllEnded reports whether the whole instance is inert.
func (i *Instance) AllEnded() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.allEnded
}

// Subscribe returns the flow's Subscription, creating it on first reference.
// Idempotent per flowId. Any deferred events for the flow are replayed in
// arrival order on the notifier queue, so the caller is never blocked by
// replay work.
func (i *Instance) Subscribe(ctx context.Context, flowID string, observers ...Observer) *Subscription {
	i.mu.Lock()
	sub, ok := i.subs[flowID]
	if ok {
		i.mu.Unlock()
		for _, obs := range observers {
			sub.Attach(obs)
		}
		return sub
	}

	restored := i.loadFlowStateLocked(flowID)
	sub = newSubscription(
		i.programID, flowID, i.scope, i.joinDeadline, restored,
		i.membership,
		i.storeFlowFunc(flowID),
		i.notify.enqueue,
		i.flowEnded,
		i.clock,
		i.logger,
	)
	// Not shared until registered below, so attaching here cannot contend.
	for _, obs := range observers {
		sub.Attach(obs)
	}
	i.subs[flowID] = sub
	_, hasDeferred := i.deferred[flowID]
	i.mu.Unlock()

	sub.announceIfTerminal()
	if hasDeferred {
		i.notify.enqueue(func() { i.replay(ctx, flowID, sub) })
	}
	return sub
}

// replay drains the deferred buffer for a newly created subscription, oldest
// event first, exactly once.
func (i *Instance) replay(ctx context.Context, flowID string, sub *Subscription) {
	i.mu.Lock()
	events := i.deferred[flowID]
	delete(i.deferred, flowID)
	i.mu.Unlock()

	for _, ev := range events {
		switch ev.kind {
		case eventData:
			sub.ProcessData(ev.sender, ev.value)
		case eventEnd:
			sub.ProcessEnd(ctx, ev.sender)
		}
	}
}

// ProcessJoin forwards a join to every existing flow of the instance. A join
// for a flow that does not exist locally yet is dropped: joins always travel
// the same path that creates the Subscription.
func (i *Instance) ProcessJoin(ctx context.Context, sender string) {
	subs, inert := i.snapshotSubs()
	if inert {
		return
	}
	for _, sub := range subs {
		sub.ProcessJoin(ctx, sender)
	}
}

// ProcessAbort removes the principal from every existing flow.
func (i *Instance) ProcessAbort(ctx context.Context, sender string) {
	subs, inert := i.snapshotSubs()
	if inert {
		return
	}
	for _, sub := range subs {
		sub.ProcessAbort(ctx, sender)
	}
}

// ProcessData forwards data on a flow, buffering it if the flow is not
// subscribed locally yet.
func (i *Instance) ProcessData(ctx context.Context, sender, flowID string, value any) {
	sub, buffered := i.lookupOrBuffer(flowID, deferredEvent{kind: eventData, sender: sender, value: value})
	if buffered || sub == nil {
		return
	}
	sub.ProcessData(sender, value)
}

// ProcessEnd forwards an end signal on a flow, buffering it if the flow is
// not subscribed locally yet.
func (i *Instance) ProcessEnd(ctx context.Context, sender, flowID string) {
	sub, buffered := i.lookupOrBuffer(flowID, deferredEvent{kind: eventEnd, sender: sender})
	if buffered || sub == nil {
		return
	}
	sub.ProcessEnd(ctx, sender)
}

// lookupOrBuffer resolves the flow's subscription, or buffers the event when
// the flow has no subscription yet, or when a replay is still pending (so
// arrival order is preserved across the replay boundary). Returns a nil
// subscription when the instance is inert.
func (i *Instance) lookupOrBuffer(flowID string, ev deferredEvent) (*Subscription, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.allEnded {
		i.logger.Debug().Str("flow", flowID).Msg("instance inert, message dropped")
		return nil, false
	}
	sub, ok := i.subs[flowID]
	if _, pending := i.deferred[flowID]; !ok || pending {
		i.deferred[flowID] = append(i.deferred[flowID], ev)
		return nil, true
	}
	return sub, false
}

func (i *Instance) snapshotSubs() (subs []*Subscription, inert bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.allEnded {
		return nil, true
	}
	subs = make([]*Subscription, 0, len(i.subs))
	for _, sub := range i.subs {
		subs = append(subs, sub)
	}
	return subs, false
}

// flowEnded runs after a subscription's terminal transition. When every flow
// of the instance has ended, the instance itself goes inert and persists the
// allEnded flag.
func (i *Instance) flowEnded() {
	subs, inert := i.snapshotSubs()
	if inert || len(subs) == 0 {
		return
	}
	for _, sub := range subs {
		if !sub.Ended() {
			return
		}
	}
	i.mu.Lock()
	if i.allEnded {
		i.mu.Unlock()
		return
	}
	i.allEnded = true
	i.doc.Set(fieldAllEnded, []byte("true"))
	doc := i.doc
	i.mu.Unlock()
	if err := doc.Flush(context.Background()); err != nil {
		i.logger.Error().Err(err).Msg("allEnded flush failed")
	}
}

func (i *Instance) loadFlowStateLocked(flowID string) flowState {
	var st flowState
	raw, ok := i.doc.Get(flowFieldPrefix + flowID)
	if !ok {
		return st
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		i.logger.Error().Err(err).Str("flow", flowID).Msg("corrupt flow state, starting fresh")
		return flowState{}
	}
	return st
}

func (i *Instance) storeFlowFunc(flowID string) func(ctx context.Context, st flowState) error {
	field := flowFieldPrefix + flowID
	return func(ctx context.Context, st flowState) error {
		raw, err := json.Marshal(st)
		if err != nil {
			return err
		}
		i.mu.Lock()
		i.doc.Set(field, raw)
		doc := i.doc
		i.mu.Unlock()
		return doc.Flush(ctx)
	}
}

// FlowSummary describes one flow for introspection.
type FlowSummary struct {
	FlowID      string `json:"flowId"`
	Members     int    `json:"members"`
	MemberEnded int    `json:"memberEnded"`
	Ended       bool   `json:"ended"`
}

// Summary reports the instance's flows for the control API.
func (i *Instance) Summary() []FlowSummary {
	i.mu.Lock()
	subs := make(map[string]*Subscription, len(i.subs))
	for id, sub := range i.subs {
		subs[id] = sub
	}
	i.mu.Unlock()

	out := make([]FlowSummary, 0, len(subs))
	for id, sub := range subs {
		members, ended := sub.Counts()
		out = append(out, FlowSummary{
			FlowID:      id,
			Members:     members,
			MemberEnded: ended,
			Ended:       sub.Ended(),
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].FlowID < out[b].FlowID })
	return out
}

// Close stops timers and the notifier queue. Pending announcements run
// before Close returns.
func (i *Instance) Close() {
	i.mu.Lock()
	subs := make([]*Subscription, 0, len(i.subs))
	for _, sub := range i.subs {
		subs = append(subs, sub)
	}
	i.mu.Unlock()
	for _, sub := range subs {
		sub.stopTimer()
	}
	i.notify.close()
}

// memoryDocument is the degraded stand-in when the store is unavailable.
type memoryDocument struct {
	mu     sync.Mutex
	fields map[string][]byte
}

func newMemoryDocument() *memoryDocument {
	return &memoryDocument{fields: make(map[string][]byte)}
}

func (d *memoryDocument) Get(field string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, ok := d.fields[field]
	return raw, ok
}

func (d *memoryDocument) Set(field string, value []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fields[field] = append([]byte(nil), value...)
}

func (d *memoryDocument) Fields() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.fields))
	for k := range d.fields {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (d *memoryDocument) Flush(ctx context.Context) error { return nil }

var _ storage.Document = (*memoryDocument)(nil)
