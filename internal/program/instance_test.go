package program

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	storagemocks "github.com/flowmesh/flowmesh/internal/domain/storage/mocks"
)

func TestSubscribeIdempotent(t *testing.T) {
	st := newMemStore()
	inst := openTestInstance(t, st, -time.Second, groupScope("alice"))

	first := inst.Subscribe(context.Background(), "f1")
	obs := &recordingObserver{}
	second := inst.Subscribe(context.Background(), "f1", obs)
	require.Same(t, first, second)

	second.ProcessJoin(context.Background(), "alice")
	second.ProcessData("alice", "hello")
	assert.Equal(t, []any{"hello"}, obs.dataValues())
}

func TestJoinFansOutToAllFlows(t *testing.T) {
	st := newMemStore()
	inst := openTestInstance(t, st, time.Hour, groupScope("alice", "bob"))
	s1 := inst.Subscribe(context.Background(), "f1")
	s2 := inst.Subscribe(context.Background(), "f2")

	inst.ProcessJoin(context.Background(), "alice")

	m1, _ := s1.Counts()
	m2, _ := s2.Counts()
	assert.Equal(t, 1, m1)
	assert.Equal(t, 1, m2)
}

func TestAbortFansOutToAllFlows(t *testing.T) {
	st := newMemStore()
	inst := openTestInstance(t, st, time.Hour, groupScope("alice", "bob"))
	s1 := inst.Subscribe(context.Background(), "f1")
	s2 := inst.Subscribe(context.Background(), "f2")
	inst.ProcessJoin(context.Background(), "alice")

	inst.ProcessAbort(context.Background(), "alice")

	m1, _ := s1.Counts()
	m2, _ := s2.Counts()
	assert.Equal(t, 0, m1)
	assert.Equal(t, 0, m2)
}

func TestDeferredReplayInArrivalOrder(t *testing.T) {
	st := newMemStore()
	seedProgram(t, st, "prog-1", time.Now().Add(-time.Minute), false)
	seedFlow(t, st, "prog-1", "f1", flowState{Members: []string{"alice", "bob"}})
	inst := openTestInstance(t, st, -time.Second, groupScope("alice", "bob"))

	// No subscription for f1 exists yet: everything is buffered.
	inst.ProcessData(context.Background(), "alice", "f1", float64(1))
	inst.ProcessData(context.Background(), "alice", "f1", float64(2))
	inst.ProcessEnd(context.Background(), "alice", "f1")

	obs := &recordingObserver{}
	sub := inst.Subscribe(context.Background(), "f1", obs)

	require.Eventually(t, func() bool { return len(obs.dataValues()) == 2 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []any{float64(1), float64(2)}, obs.dataValues())

	// bob is restored from the document and has not ended, so the end
	// signal alone must not complete the barrier.
	_, ended := sub.Counts()
	assert.Equal(t, 1, ended)
	assert.False(t, sub.Ended())

	inst.mu.Lock()
	pending := len(inst.deferred)
	inst.mu.Unlock()
	assert.Zero(t, pending)
}

func TestDeferredReplayExactlyOnce(t *testing.T) {
	st := newMemStore()
	seedProgram(t, st, "prog-1", time.Now().Add(-time.Minute), false)
	seedFlow(t, st, "prog-1", "f1", flowState{Members: []string{"alice", "bob"}})
	inst := openTestInstance(t, st, -time.Second, groupScope("alice", "bob"))

	inst.ProcessData(context.Background(), "alice", "f1", "once")

	obs := &recordingObserver{}
	inst.Subscribe(context.Background(), "f1", obs)
	inst.Subscribe(context.Background(), "f1")

	require.Eventually(t, func() bool { return len(obs.dataValues()) == 1 },
		time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []any{"once"}, obs.dataValues())
}

func TestArrivalsDuringPendingReplayKeepOrder(t *testing.T) {
	st := newMemStore()
	seedProgram(t, st, "prog-1", time.Now().Add(-time.Minute), false)
	seedFlow(t, st, "prog-1", "f1", flowState{Members: []string{"alice", "bob"}})
	inst := openTestInstance(t, st, -time.Second, groupScope("alice", "bob"))

	inst.ProcessData(context.Background(), "alice", "f1", float64(1))

	// Block the notifier so the replay stays queued while a new message
	// arrives: it must join the buffer behind the replayed ones.
	gate := make(chan struct{})
	inst.notify.enqueue(func() { <-gate })

	obs := &recordingObserver{}
	inst.Subscribe(context.Background(), "f1", obs)
	inst.ProcessData(context.Background(), "alice", "f1", float64(2))
	assert.Empty(t, obs.dataValues())

	close(gate)
	require.Eventually(t, func() bool { return len(obs.dataValues()) == 2 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []any{float64(1), float64(2)}, obs.dataValues())
}

func TestRestoredTerminalFlowAnnounces(t *testing.T) {
	st := newMemStore()
	seedProgram(t, st, "prog-1", time.Now().Add(-time.Minute), false)
	seedFlow(t, st, "prog-1", "f1", flowState{
		Members:     []string{"alice"},
		MemberEnded: []string{"alice"},
		Ended:       true,
	})
	inst := openTestInstance(t, st, -time.Second, groupScope("alice"))

	obs := &recordingObserver{}
	sub := inst.Subscribe(context.Background(), "f1", obs)

	require.True(t, sub.Ended())
	require.Eventually(t, func() bool { return obs.endedCount() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestInertInstanceDropsMessages(t *testing.T) {
	st := newMemStore()
	seedProgram(t, st, "prog-1", time.Now().Add(-time.Minute), true)
	inst := openTestInstance(t, st, -time.Second, groupScope("alice"))
	require.True(t, inst.AllEnded())

	inst.ProcessJoin(context.Background(), "alice")
	inst.ProcessData(context.Background(), "alice", "f1", "late")
	inst.ProcessEnd(context.Background(), "alice", "f1")

	inst.mu.Lock()
	pending := len(inst.deferred)
	subs := len(inst.subs)
	inst.mu.Unlock()
	assert.Zero(t, pending)
	assert.Zero(t, subs)
}

func TestAllEndedPersistedWhenLastFlowEnds(t *testing.T) {
	st := newMemStore()
	inst := openTestInstance(t, st, -time.Second, groupScope("alice"))
	sub := inst.Subscribe(context.Background(), "f1")

	sub.ProcessJoin(context.Background(), "alice")
	sub.ProcessEnd(context.Background(), "alice")
	require.True(t, sub.Ended())
	require.True(t, inst.AllEnded())

	doc, err := st.OpenDocument(context.Background(), docKey("prog-1"))
	require.NoError(t, err)
	raw, ok := doc.Get(fieldAllEnded)
	require.True(t, ok)
	assert.Equal(t, "true", string(raw))
}

func TestAllEndedWaitsForEveryFlow(t *testing.T) {
	st := newMemStore()
	inst := openTestInstance(t, st, -time.Second, groupScope("alice"))
	s1 := inst.Subscribe(context.Background(), "f1")
	inst.Subscribe(context.Background(), "f2")

	s1.ProcessJoin(context.Background(), "alice")
	s1.ProcessEnd(context.Background(), "alice")
	require.True(t, s1.Ended())
	assert.False(t, inst.AllEnded())
}

func TestOpenStoreFailureDegradesToMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := storagemocks.NewMockStore(ctrl)
	st.EXPECT().OpenDocument(gomock.Any(), docKey("prog-1")).
		Return(nil, errors.New("store unavailable"))

	inst := Open(context.Background(), Options{
		ProgramID:  "prog-1",
		Scope:      groupScope("alice"),
		JoinWindow: -time.Second,
		Store:      st,
		Logger:     testLogger(),
	})
	t.Cleanup(inst.Close)

	obs := &recordingObserver{}
	sub := inst.Subscribe(context.Background(), "f1", obs)
	sub.ProcessJoin(context.Background(), "alice")
	sub.ProcessData("alice", "still works")
	sub.ProcessEnd(context.Background(), "alice")

	require.True(t, sub.Ended())
	assert.Equal(t, []any{"still works"}, obs.dataValues())
}

func TestSummary(t *testing.T) {
	st := newMemStore()
	inst := openTestInstance(t, st, -time.Second, groupScope("alice", "bob"))
	s1 := inst.Subscribe(context.Background(), "b-flow")
	inst.Subscribe(context.Background(), "a-flow")
	s1.ProcessJoin(context.Background(), "alice")
	s1.ProcessEnd(context.Background(), "alice")

	summary := inst.Summary()
	require.Len(t, summary, 2)
	assert.Equal(t, "a-flow", summary[0].FlowID)
	assert.Equal(t, "b-flow", summary[1].FlowID)
	assert.True(t, summary[1].Ended)
	assert.Equal(t, 1, summary[1].Members)
}
