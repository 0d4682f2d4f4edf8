package program

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowmesh/flowmesh/internal/domain/storage"
	"github.com/flowmesh/flowmesh/internal/principal"
)

// memStore is the in-memory persistence fake shared by the package tests.
// Documents survive for the life of the store, so "restart" is modeled by
// opening a second instance against the same store.
type memStore struct {
	mu        sync.Mutex
	docs      map[string]*memDoc
	failFlush bool
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]*memDoc)}
}

func (s *memStore) OpenDocument(ctx context.Context, key string) (storage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[key]
	if !ok {
		doc = &memDoc{store: s, fields: make(map[string][]byte)}
		s.docs[key] = doc
	}
	return doc, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) seed(key, field string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[key]
	if !ok {
		doc = &memDoc{store: s, fields: make(map[string][]byte)}
		s.docs[key] = doc
	}
	doc.fields[field] = value
}

type memDoc struct {
	store   *memStore
	mu      sync.Mutex
	fields  map[string][]byte
	flushes int
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

func (d *memDoc) Flush(ctx context.Context) error {
	d.store.mu.Lock()
	fail := d.store.failFlush
	d.store.mu.Unlock()
	if fail {
		return errors.New("disk gone")
	}
	d.mu.Lock()
	d.flushes++
	d.mu.Unlock()
	return nil
}

// recordingObserver collects notifications for assertions.
type recordingObserver struct {
	mu    sync.Mutex
	data  []any
	ended int
	endAt []time.Time
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
	o.endAt = append(o.endAt, time.Now())
}

func (o *recordingObserver) endedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ended
}

func (o *recordingObserver) dataValues() []any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]any(nil), o.data...)
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func seedProgram(t *testing.T, st *memStore, programID string, deadline time.Time, allEnded bool) {
	t.Helper()
	raw, err := json.Marshal(deadline)
	if err != nil {
		t.Fatal(err)
	}
	st.seed(docKey(programID), fieldJoinDeadline, raw)
	if allEnded {
		st.seed(docKey(programID), fieldAllEnded, []byte("true"))
	} else {
		st.seed(docKey(programID), fieldAllEnded, []byte("false"))
	}
}

func seedFlow(t *testing.T, st *memStore, programID, flowID string, fs flowState) {
	t.Helper()
	raw, err := json.Marshal(fs)
	if err != nil {
		t.Fatal(err)
	}
	st.seed(docKey(programID), flowFieldPrefix+flowID, raw)
}

// openTestInstance opens an instance against the store and registers
// teardown. A negative window puts the join deadline in the past, so barrier
// tests do not depend on timers unless they want to.
func openTestInstance(t *testing.T, st *memStore, window time.Duration, scope principal.Principal) *Instance {
	t.Helper()
	inst := Open(context.Background(), Options{
		ProgramID:  "prog-1",
		Scope:      scope,
		JoinWindow: window,
		Store:      st,
		Logger:     testLogger(),
	})
	t.Cleanup(inst.Close)
	return inst
}
