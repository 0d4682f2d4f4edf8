package comm

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowmesh/flowmesh/internal/domain/runtime"
)

// defaultSchemaRPCTimeout bounds how long a schema request waits for its
// reply before settling with ErrSchemaTimeout.
const defaultSchemaRPCTimeout = 10 * time.Second

// ErrSchemaTimeout settles a schema request whose reply never arrived. It is
// distinct from remote-reported errors so callers can decide to retry.
var ErrSchemaTimeout = errors.New("comm: schema request timed out")

type rpcOutcome struct {
	schema runtime.Schema
	err    error
}

type pendingRPC struct {
	targetKey string
	timer     *time.Timer
	done      chan rpcOutcome
}

// rpcTable correlates outbound schema requests with their replies. Ids are
// process-local and monotonically increasing. An entry is removed exactly
// once, by whichever of reply, timeout or abandonment comes first; later
// settlement attempts are no-ops.
type rpcTable struct {
	timeout time.Duration
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingRPC
}

func newRPCTable(timeout time.Duration) *rpcTable {
	if timeout <= 0 {
		timeout = defaultSchemaRPCTimeout
	}
	return &rpcTable{
		timeout: timeout,
		pending: make(map[int64]*pendingRPC),
	}
}

// register allocates the next correlation id and arms the timeout. The
// returned channel delivers exactly one outcome unless the caller abandons
// the request first.
func (t *rpcTable) register(targetKey string) (int64, <-chan rpcOutcome) {
	id := t.nextID.Add(1)
	p := &pendingRPC{
		targetKey: targetKey,
		done:      make(chan rpcOutcome, 1),
	}
	t.mu.Lock()
	t.pending[id] = p
	p.timer = time.AfterFunc(t.timeout, func() { t.expire(id) })
	t.mu.Unlock()
	return id, p.done
}

// settle resolves or rejects a pending request on a reply from senderKey.
// Unknown ids and sender mismatches leave the table untouched: a reply from
// a principal other than the recorded target is treated as spoofed.
func (t *rpcTable) settle(id int64, senderKey string, out rpcOutcome) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if !ok || p.targetKey != senderKey {
		t.mu.Unlock()
		return false
	}
	delete(t.pending, id)
	t.mu.Unlock()
	p.timer.Stop()
	p.done <- out
	return true
}

// expire settles a request with a timeout failure.
func (t *rpcTable) expire(id int64) bool {
	p := t.remove(id)
	if p == nil {
		return false
	}
	p.done <- rpcOutcome{err: ErrSchemaTimeout}
	return true
}

// abandon drops a pending request without delivering an outcome, for callers
// that already stopped listening.
func (t *rpcTable) abandon(id int64) {
	t.remove(id)
}

func (t *rpcTable) remove(id int64) *pendingRPC {
	t.mu.Lock()
	p := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if p != nil {
		p.timer.Stop()
	}
	return p
}

func (t *rpcTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
