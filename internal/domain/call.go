package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallID is server-generated and unguessable; clients only ever learn it
// from a call:initiated or call:incoming event.
type CallID string

func NewCallID() CallID {
	return CallID(uuid.NewString())
}

type CallType string

const (
	CallTypeVideo CallType = "video"
	CallTypeAudio CallType = "audio"
)

// ParseCallType falls back to video, matching what clients expect when the
// field is missing or garbled.
func ParseCallType(s string) CallType {
	if s == string(CallTypeAudio) {
		return CallTypeAudio
	}
	return CallTypeVideo
}

type CallState string

const (
	CallRinging   CallState = "ringing"
	CallConnected CallState = "connected"
	CallEnded     CallState = "ended"
	CallRejected  CallState = "rejected"
)

// Terminal reports whether no transition may leave s.
func (s CallState) Terminal() bool {
	return s == CallEnded || s == CallRejected
}

// CanTransition is the single source of truth for legal state moves:
// ringing -> {connected, rejected, ended}, connected -> ended.
func (s CallState) CanTransition(to CallState) bool {
	switch s {
	case CallRinging:
		return to == CallConnected || to == CallRejected || to == CallEnded
	case CallConnected:
		return to == CallEnded
	default:
		return false
	}
}

// Participant is an immutable identity snapshot captured when the call is
// created. It is a copy, not a live reference into presence.
type Participant struct {
	UserID       UserID       `json:"userId"`
	DisplayName  string       `json:"displayName"`
	ConnectionID ConnectionID `json:"-"`
}

// CallSession is an active call owned by the coordinator. Only the
// coordinator mutates State; sessions leave the active table the moment
// they reach a terminal state.
type CallSession struct {
	ID          CallID
	Caller      Participant
	Callee      Participant
	Type        CallType
	State       CallState
	StartTime   time.Time
	ConnectTime time.Time // zero until accepted
	EndTime     time.Time // zero until terminal
}

// HasConnection reports whether conn is one of the two stored participants.
func (c *CallSession) HasConnection(conn ConnectionID) bool {
	return c.Caller.ConnectionID == conn || c.Callee.ConnectionID == conn
}

// Counterpart returns the participant on the other side of conn. It assumes
// HasConnection(conn) already held.
func (c *CallSession) Counterpart(conn ConnectionID) Participant {
	if c.Caller.ConnectionID == conn {
		return c.Callee
	}
	return c.Caller
}

// Record snapshots the session for the persistence collaborator.
func (c *CallSession) Record() CallRecord {
	return CallRecord{
		ID:         c.ID,
		CallerID:   c.Caller.UserID,
		CalleeID:   c.Callee.UserID,
		Type:       c.Type,
		FinalState: c.State,
		StartTime:  c.StartTime,
		EndTime:    c.EndTime,
	}
}

// CallRecord is what outlives a session: the terminal snapshot handed to
// the call-record store.
type CallRecord struct {
	ID         CallID
	CallerID   UserID
	CalleeID   UserID
	Type       CallType
	FinalState CallState
	StartTime  time.Time
	EndTime    time.Time
}

func (r CallRecord) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}
