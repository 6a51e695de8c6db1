package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultInactivityTimeout is how long an idle session survives without activity.
const DefaultInactivityTimeout = 10 * time.Minute

// DefaultSweepInterval is the period of the background expiry sweep.
const DefaultSweepInterval = 10 * time.Second

// entry holds one session. Its mutex serializes every read, write and
// deletion of that id; gone is set before the entry leaves the map so a
// goroutine holding a stale pointer never observes a deleted session.
type entry struct {
	mu    sync.Mutex
	state State
	gone  bool
}

// Registry owns session ids and their lifecycle. It is the single source of
// truth for whether a caller is authorized. Safe for concurrent use.
type Registry struct {
	sessions          sync.Map // id -> *entry
	inactivityTimeout time.Duration
	authStatus        int
	now               func() time.Time
	logger            zerolog.Logger

	hookMu   sync.RWMutex
	onExpire func(id string)
}

type Option func(*Registry)

// WithClock replaces the wall clock used for activity timestamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithAuthStatus sets the HTTP status carried by AuthorizationError.
func WithAuthStatus(status int) Option {
	return func(r *Registry) {
		if status > 0 {
			r.authStatus = status
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

func NewRegistry(inactivityTimeout time.Duration, opts ...Option) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = DefaultInactivityTimeout
	}
	r := &Registry{
		inactivityTimeout: inactivityTimeout,
		authStatus:        DefaultAuthStatus,
		now:               func() time.Time { return time.Now().UTC() },
		logger:            zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) InactivityTimeout() time.Duration {
	return r.inactivityTimeout
}

// SetExpireHook registers a callback fired after the sweep removes a session.
func (r *Registry) SetExpireHook(hook func(id string)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onExpire = hook
}

// Generate records a fresh idle session and returns its id.
func (r *Registry) Generate() string {
	for {
		id := uuid.NewString()
		e := &entry{state: State{Kind: KindIdle, LastActivityAt: r.now()}}
		if _, loaded := r.sessions.LoadOrStore(id, e); !loaded {
			return id
		}
	}
}

// Check returns the state of id, or an AuthorizationError if it is unknown.
func (r *Registry) Check(id string) (State, error) {
	e, ok := r.lookup(id)
	if !ok {
		return State{}, r.unauthorized()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return State{}, r.unauthorized()
	}
	return e.state, nil
}

// SetState applies t to id. Ending a session deletes it and returns the last
// state it held.
func (r *Registry) SetState(id string, t Transition) (State, error) {
	switch t.op {
	case opEnd, opActive, opIdle:
	default:
		return State{}, ErrBadState
	}

	e, ok := r.lookup(id)
	if !ok {
		return State{}, r.unauthorized()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return State{}, r.unauthorized()
	}

	switch t.op {
	case opEnd:
		e.gone = true
		r.sessions.CompareAndDelete(id, e)
		return e.state, nil
	case opActive:
		e.state = State{Kind: KindActive}
	case opIdle:
		e.state = State{Kind: KindIdle, LastActivityAt: t.at}
	}
	return e.state, nil
}

func (r *Registry) End(id string) (State, error) {
	return r.SetState(id, TransitionEnd)
}

func (r *Registry) Activate(id string) (State, error) {
	return r.SetState(id, TransitionActive)
}

// Deactivate marks id idle as of at, or as of now when at is zero.
func (r *Registry) Deactivate(id string, at time.Time) (State, error) {
	if at.IsZero() {
		at = r.now()
	}
	return r.SetState(id, TransitionIdleAt(at))
}

// Count returns the number of live sessions and how many of them are active.
func (r *Registry) Count() (total, active int) {
	r.sessions.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if !e.gone {
			total++
			if e.state.Active() {
				active++
			}
		}
		e.mu.Unlock()
		return true
	})
	return total, active
}

// RunSweeper removes expired idle sessions every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// StartSweeper runs RunSweeper on its own goroutine.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	go r.RunSweeper(ctx, interval)
}

// Sweep removes every idle session whose inactivity exceeds the timeout and
// returns how many were removed. The deletion set is collected first; each
// candidate is then re-checked under its own lock before removal, so a
// session touched in between survives.
func (r *Registry) Sweep() int {
	now := r.now()

	var candidates []string
	r.sessions.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if !e.gone && r.expired(e.state, now) {
			candidates = append(candidates, k.(string))
		}
		e.mu.Unlock()
		return true
	})

	var removed []string
	for _, id := range candidates {
		if r.expireIfIdle(id, now) {
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return 0
	}

	r.logger.Debug().Int("expired", len(removed)).Msg("session sweep")

	r.hookMu.RLock()
	hook := r.onExpire
	r.hookMu.RUnlock()
	if hook != nil {
		for _, id := range removed {
			hook(id)
		}
	}
	return len(removed)
}

func (r *Registry) expireIfIdle(id string, now time.Time) bool {
	e, ok := r.lookup(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone || !r.expired(e.state, now) {
		return false
	}
	e.gone = true
	r.sessions.CompareAndDelete(id, e)
	return true
}

func (r *Registry) expired(s State, now time.Time) bool {
	return s.Kind == KindIdle && s.IdleFor(now) > r.inactivityTimeout
}

func (r *Registry) lookup(id string) (*entry, bool) {
	if id == "" {
		return nil, false
	}
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

func (r *Registry) unauthorized() error {
	return &AuthorizationError{Status: r.authStatus, Message: "session id is wrong"}
}
