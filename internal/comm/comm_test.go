package comm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/mock/gomock"

	"github.com/flowmesh/flowmesh/internal/domain/runtime"
	runtimemocks "github.com/flowmesh/flowmesh/internal/domain/runtime/mocks"
	"github.com/flowmesh/flowmesh/internal/domain/storage"
	"github.com/flowmesh/flowmesh/internal/domain/transport"
	"github.com/flowmesh/flowmesh/internal/principal"
	"github.com/flowmesh/flowmesh/internal/protocol"
)

// memStore is the in-memory persistence fake for manager tests.
type memStore struct {
	mu   sync.Mutex
	docs map[string]*memDoc
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]*memDoc)}
}

func (s *memStore) OpenDocument(ctx context.Context, key string) (storage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[key]
	if !ok {
		doc = &memDoc{fields: make(map[string][]byte)}
		s.docs[key] = doc
	}
	return doc, nil
}

func (s *memStore) Close() error { return nil }

type memDoc struct {
	mu     sync.Mutex
	fields map[string][]byte
}

func (d *memDoc) Get(field string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, ok := d.fields[field]
	return raw, ok
}

func (d *memDoc) Set(field string, value []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fields[field] = append([]byte(nil), value...)
}

func (d *memDoc) Fields() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.fields))
	for k := range d.fields {
		out = append(out, k)
	}
	return out
}

func (d *memDoc) Flush(ctx context.Context) error { return nil }

// recordingObserver collects flow notifications.
type recordingObserver struct {
	mu    sync.Mutex
	data  []any
	ended int
}

func (o *recordingObserver) OnData(flowID, sender string, value any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.data = append(o.data, value)
}

func (o *recordingObserver) OnEnded(flowID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended++
}

func (o *recordingObserver) dataValues() []any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]any(nil), o.data...)
}

func (o *recordingObserver) endedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ended
}

// fakeTransport records outbound traffic per feed and lets tests feed
// membership answers. Feeds are keyed by principal key.
type fakeTransport struct {
	mu      sync.Mutex
	feeds   map[string]*fakeFeed
	inbound chan transport.Inbound
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		feeds:   make(map[string]*fakeFeed),
		inbound: make(chan transport.Inbound, 16),
	}
}

func (t *fakeTransport) ResolveFeed(ctx context.Context, target principal.Principal) (transport.Feed, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := target.Key()
	feed, ok := t.feeds[key]
	if !ok {
		feed = &fakeFeed{id: key}
		t.feeds[key] = feed
	}
	return feed, nil
}

func (t *fakeTransport) Inbound() <-chan transport.Inbound { return t.inbound }

// feed returns the recorded feed for a principal, creating it so tests can
// pre-set members before the manager resolves it.
func (t *fakeTransport) feed(target principal.Principal) *fakeFeed {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := target.Key()
	feed, ok := t.feeds[key]
	if !ok {
		feed = &fakeFeed{id: key}
		t.feeds[key] = feed
	}
	return feed
}

type fakeFeed struct {
	id      string
	mu      sync.Mutex
	sendErr error
	members []string
	sent    [][]byte
}

func (f *fakeFeed) ID() string { return f.id }

func (f *fakeFeed) Open(ctx context.Context) error { return nil }

func (f *fakeFeed) Send(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func (f *fakeFeed) Members(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.members...), nil
}

func (f *fakeFeed) sentMessages(t *testing.T) []protocol.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Message, 0, len(f.sent))
	for _, raw := range f.sent {
		msg, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("undecodable outbound message: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

// fakeProgram is a minimal compiled program.
type fakeProgram struct {
	flows  []string
	source string
}

func (p fakeProgram) Flows() []string { return p.flows }
func (p fakeProgram) Source() string  { return p.source }

var _ runtime.Program = fakeProgram{}

type fixture struct {
	manager   *Manager
	transport *fakeTransport
	compiler  *runtimemocks.MockCompiler
	executor  *runtimemocks.MockExecutor
	schemas   *runtimemocks.MockSchemaRetriever
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	ft := newFakeTransport()
	f := &fixture{
		transport: ft,
		compiler:  runtimemocks.NewMockCompiler(ctrl),
		executor:  runtimemocks.NewMockExecutor(ctrl),
		schemas:   runtimemocks.NewMockSchemaRetriever(ctrl),
	}
	opts := Options{
		NodeID:     "local-node",
		Transport:  ft,
		Store:      newMemStore(),
		Compiler:   f.compiler,
		Executor:   f.executor,
		Schemas:    f.schemas,
		Normalizer: principal.Normalizer{AccountPrefix: "acct:", RoomPrefix: "room:"},
		JoinWindow: -time.Second,
		RPCTimeout: 100 * time.Millisecond,
		Logger:     zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.manager = NewManager(opts)
	t.Cleanup(f.manager.Close)
	return f
}

// dispatch encodes and delivers one inbound message.
func (f *fixture) dispatch(t *testing.T, senderRaw, feedRaw string, msg protocol.Message) {
	t.Helper()
	raw, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.manager.Dispatch(context.Background(), transport.Inbound{
		SenderID: senderRaw,
		FeedID:   feedRaw,
		Payload:  raw,
	})
}
