package program

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowmesh/flowmesh/internal/principal"
)

// Observer receives flow notifications. OnEnded is announced at most once per
// flow, through the instance's serial notifier.
type Observer interface {
	OnData(flowID, sender string, value any)
	OnEnded(flowID string)
}

// MembershipFunc answers whether an account is currently a member of the
// program's room. Only consulted for room-scoped programs.
type MembershipFunc func(ctx context.Context, account string) (bool, error)

// flowState is the durable form of one Subscription, stored as a document
// field of the owning program instance.
type flowState struct {
	Members     []string `json:"members"`
	MemberEnded []string `json:"memberEnded"`
	Ended       bool     `json:"ended"`
}

// Subscription tracks the join/end barrier of one flow: which principals
// joined, which signaled end, and whether the flow is terminal. The barrier
// fires once every current member has ended and the join window has closed.
type Subscription struct {
	programID string
	flowID    string
	scope     principal.Principal
	logger    zerolog.Logger
	clock     func() time.Time

	membership MembershipFunc
	store      func(ctx context.Context, st flowState) error
	announce   func(fn func())
	onTerminal func()

	mu           sync.Mutex
	members      map[string]struct{}
	memberEnded  map[string]struct{}
	joinDeadline time.Time
	ended        bool
	announced    bool
	dirty        bool
	endTimer     *time.Timer
	observers    []Observer
}

func newSubscription(
	programID, flowID string,
	scope principal.Principal,
	joinDeadline time.Time,
	restored flowState,
	membership MembershipFunc,
	store func(ctx context.Context, st flowState) error,
	announce func(fn func()),
	onTerminal func(),
	clock func() time.Time,
	logger zerolog.Logger,
) *Subscription {
	s := &Subscription{
		programID:    programID,
		flowID:       flowID,
		scope:        scope,
		logger:       logger.With().Str("flow", flowID).Logger(),
		clock:        clock,
		membership:   membership,
		store:        store,
		announce:     announce,
		onTerminal:   onTerminal,
		joinDeadline: joinDeadline,
		members:      make(map[string]struct{}),
		memberEnded:  make(map[string]struct{}),
	}
	for _, m := range restored.Members {
		s.members[m] = struct{}{}
	}
	for _, m := range restored.MemberEnded {
		s.memberEnded[m] = struct{}{}
	}
	if restored.Ended {
		s.ended = true
	}
	return s
}

// announceIfTerminal enqueues the terminal notification for a subscription
// reconstructed from an already-ended document. Asynchronous, so observers
// attached right after construction still see it.
func (s *Subscription) announceIfTerminal() {
	s.mu.Lock()
	if s.ended {
		s.announceEnded()
	}
	s.mu.Unlock()
}

// Attach registers an observer for data and end notifications.
func (s *Subscription) Attach(obs Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, obs)
	s.mu.Unlock()
}

// Ended reports whether the flow is terminal.
func (s *Subscription) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Counts reports current membership for introspection.
func (s *Subscription) Counts() (members, ended int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members), len(s.memberEnded)
}

// ProcessJoin admits an eligible principal into the flow. Ineligible joins
// are logged and dropped, never signaled back to the joiner. Membership is
// flushed durably before returning.
func (s *Subscription) ProcessJoin(ctx context.Context, sender string) {
	if !s.eligible(ctx, sender) {
		s.logger.Warn().Str("sender", sender).Msg("join not eligible, dropped")
		return
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		s.logger.Debug().Str("sender", sender).Msg("join on terminal flow, dropped")
		return
	}
	if _, ok := s.members[sender]; ok {
		s.mu.Unlock()
		return
	}
	s.members[sender] = struct{}{}
	s.dirty = true
	s.flushLocked(ctx)
	s.mu.Unlock()
}

func (s *Subscription) eligible(ctx context.Context, sender string) bool {
	if !s.scope.IsRoom() {
		return s.scope.Contains(sender)
	}
	if s.membership == nil {
		return false
	}
	member, err := s.membership(ctx, sender)
	if err != nil {
		s.logger.Warn().Err(err).Str("sender", sender).Msg("membership check failed")
		return false
	}
	return member
}

// ProcessData forwards a payload to observers. Data from non-members or on a
// terminal flow is a protocol anomaly, not an error: joins race with data
// under an unordered transport.
func (s *Subscription) ProcessData(sender string, value any) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		s.logger.Debug().Str("sender", sender).Msg("data on terminal flow, dropped")
		return
	}
	if _, ok := s.members[sender]; !ok {
		s.mu.Unlock()
		s.logger.Warn().Str("sender", sender).Msg("data from non-member, dropped")
		return
	}
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, obs := range observers {
		obs.OnData(s.flowID, sender, value)
	}
}

// ProcessEnd records that a member finished the flow and re-evaluates the
// barrier.
func (s *Subscription) ProcessEnd(ctx context.Context, sender string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	if _, ok := s.members[sender]; !ok {
		s.mu.Unlock()
		s.logger.Warn().Str("sender", sender).Msg("end from non-member, dropped")
		return
	}
	if _, ok := s.memberEnded[sender]; !ok {
		s.memberEnded[sender] = struct{}{}
		s.dirty = true
	}
	s.mu.Unlock()
	s.checkEnded(ctx)
}

// ProcessAbort removes a principal from both member sets atomically and
// re-evaluates the barrier: a member dropping out can newly satisfy "all
// remaining members ended".
func (s *Subscription) ProcessAbort(ctx context.Context, sender string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	_, wasMember := s.members[sender]
	if !wasMember {
		s.mu.Unlock()
		return
	}
	delete(s.members, sender)
	delete(s.memberEnded, sender)
	s.dirty = true
	s.mu.Unlock()
	s.checkEnded(ctx)
}

// checkEnded evaluates the barrier. Dirty state is persisted first. If every
// current member ended but the join window is still open, a single re-check
// timer is armed for the deadline; at most one timer is ever outstanding.
func (s *Subscription) checkEnded(ctx context.Context) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.flushLocked(ctx)

	if len(s.members) == 0 || len(s.members) != len(s.memberEnded) {
		s.mu.Unlock()
		return
	}

	now := s.clock()
	if now.Before(s.joinDeadline) {
		if s.endTimer == nil {
			wait := s.joinDeadline.Sub(now)
			s.endTimer = time.AfterFunc(wait, func() {
				s.mu.Lock()
				s.endTimer = nil
				s.mu.Unlock()
				s.checkEnded(context.Background())
			})
		}
		s.mu.Unlock()
		return
	}

	s.ended = true
	s.dirty = true
	if s.endTimer != nil {
		s.endTimer.Stop()
		s.endTimer = nil
	}
	// Terminal transition: persist best-effort. On a write failure the end
	// is announced anyway; a rejoin after restart beats a stuck barrier.
	if err := s.store(ctx, s.stateLocked()); err != nil {
		s.logger.Error().Err(err).Msg("terminal flush failed, announcing end regardless")
	}
	s.dirty = false
	s.announceEnded()
	s.mu.Unlock()

	if s.onTerminal != nil {
		s.onTerminal()
	}
}

// announceEnded enqueues the one-shot terminal notification. Callers hold no
// guarantee about when it runs, only that observers registered by then see it.
func (s *Subscription) announceEnded() {
	if s.announced {
		return
	}
	s.announced = true
	s.announce(func() {
		s.mu.Lock()
		observers := make([]Observer, len(s.observers))
		copy(observers, s.observers)
		s.mu.Unlock()
		for _, obs := range observers {
			obs.OnEnded(s.flowID)
		}
	})
}

// flushLocked persists dirty state; failures are logged and swallowed, the
// in-memory state stays authoritative. Caller holds s.mu.
func (s *Subscription) flushLocked(ctx context.Context) {
	if !s.dirty {
		return
	}
	if err := s.store(ctx, s.stateLocked()); err != nil {
		s.logger.Error().Err(err).Msg("flush failed")
		return
	}
	s.dirty = false
}

func (s *Subscription) stateLocked() flowState {
	return flowState{
		Members:     sortedKeys(s.members),
		MemberEnded: sortedKeys(s.memberEnded),
		Ended:       s.ended,
	}
}

// stopTimer releases the re-check timer on instance teardown.
func (s *Subscription) stopTimer() {
	s.mu.Lock()
	if s.endTimer != nil {
		s.endTimer.Stop()
		s.endTimer = nil
	}
	s.mu.Unlock()
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
