package session

import (
	"strconv"
	"strings"
	"time"
)

// Kind tags the two session sub-states.
type Kind string

const (
	KindIdle   Kind = "idle"
	KindActive Kind = "active"
)

// State is the lifecycle state of one session. LastActivityAt is only
// meaningful for idle sessions.
type State struct {
	Kind           Kind
	LastActivityAt time.Time
}

func (s State) Active() bool { return s.Kind == KindActive }

// IdleFor reports how long an idle session has been inactive at now.
// Active sessions always report zero.
func (s State) IdleFor(now time.Time) time.Duration {
	if s.Kind != KindIdle {
		return 0
	}
	return now.Sub(s.LastActivityAt)
}

// StateResponse is the JSON view of a session returned to collaborators.
type StateResponse struct {
	SessionID        string `json:"session_id"`
	State            Kind   `json:"state"`
	LastActivityAtMS int64  `json:"last_activity_at_ms,omitempty"`
	Ended            bool   `json:"ended,omitempty"`
}

func NewStateResponse(id string, s State) StateResponse {
	resp := StateResponse{SessionID: id, State: s.Kind}
	if s.Kind == KindIdle {
		resp.LastActivityAtMS = s.LastActivityAt.UnixMilli()
	}
	return resp
}

// CreateResponse is returned by the login seam after a successful Generate.
type CreateResponse struct {
	SessionID       string `json:"session_id"`
	InactivityTTLMS int64  `json:"inactivity_ttl_ms"`
}

type transitionOp int

const (
	opEnd transitionOp = iota + 1
	opActive
	opIdle
)

// Transition is a requested state change for SetState.
type Transition struct {
	op transitionOp
	at time.Time
}

var (
	TransitionEnd    = Transition{op: opEnd}
	TransitionActive = Transition{op: opActive}
)

// TransitionIdleAt marks a session idle with the given last-activity time.
func TransitionIdleAt(at time.Time) Transition {
	return Transition{op: opIdle, at: at}
}

func (t Transition) String() string {
	switch t.op {
	case opEnd:
		return "end"
	case opActive:
		return "active"
	case opIdle:
		return strconv.FormatInt(t.at.UnixMilli(), 10)
	default:
		return "invalid"
	}
}

// ParseTransition accepts "end", "active" or a millisecond unix timestamp.
func ParseTransition(raw string) (Transition, error) {
	v := strings.TrimSpace(raw)
	switch strings.ToLower(v) {
	case "end":
		return TransitionEnd, nil
	case "active":
		return TransitionActive, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms < 0 {
		return Transition{}, ErrBadState
	}
	return TransitionIdleAt(time.UnixMilli(ms).UTC()), nil
}
