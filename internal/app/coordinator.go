package app

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Peercall/internal/core"
	"github.com/dkeye/Peercall/internal/domain"
)

// Recorder is the persistence collaborator. Implementations must be safe
// for concurrent use; the coordinator calls it best-effort off its lock.
type Recorder interface {
	SaveCall(rec domain.CallRecord) error
	SaveQuality(callID domain.CallID, sample json.RawMessage) error
}

type connEntry struct {
	user   domain.User
	signal core.SignalConnection
}

// Coordinator owns the presence registry and the active call table.
// One mutex serializes every mutation together with its notifications, so
// a disconnect runs to completion before the next event touching the same
// entities is processed. TrySend never blocks, which keeps holding the
// lock across notification delivery safe.
type Coordinator struct {
	mu     sync.Mutex
	conns  map[domain.ConnectionID]*connEntry
	byUser map[domain.UserID]domain.ConnectionID
	calls  map[domain.CallID]*domain.CallSession

	rec Recorder // may be nil: coordinator works without persistence
}

func NewCoordinator(rec Recorder) *Coordinator {
	return &Coordinator{
		conns:  make(map[domain.ConnectionID]*connEntry),
		byUser: make(map[domain.UserID]domain.ConnectionID),
		calls:  make(map[domain.CallID]*domain.CallSession),
		rec:    rec,
	}
}

// Join registers conn under the given identity and broadcasts the presence
// set. A stale entry for the same userID is evicted first, silently: the
// newest connection wins and the old one is never told.
func (co *Coordinator) Join(conn domain.ConnectionID, sig core.SignalConnection, user domain.User) {
	co.mu.Lock()
	defer co.mu.Unlock()

	if old, ok := co.byUser[user.ID]; ok && old != conn {
		delete(co.conns, old)
		log.Info().Str("module", "app.coordinator").Str("user_id", string(user.ID)).
			Str("evicted_conn", string(old)).Msg("evicted stale presence entry")
	}
	co.conns[conn] = &connEntry{user: user, signal: sig}
	co.byUser[user.ID] = conn
	log.Info().Str("module", "app.coordinator").Str("conn", string(conn)).
		Str("user_id", string(user.ID)).Str("name", user.DisplayName).Msg("user joined")

	co.broadcastPresence()
}

// Disconnect is the lifecycle manager: one atomic unit of work per vanished
// connection. Presence goes first, then every session referencing conn is
// forced to ended with exactly one notification to the surviving side.
func (co *Coordinator) Disconnect(conn domain.ConnectionID) {
	co.mu.Lock()
	defer co.mu.Unlock()

	entry, ok := co.conns[conn]
	if !ok {
		// Never joined, or already evicted by a rejoin. Sessions may still
		// reference this connection, so the scan below runs regardless.
		co.endCallsOf(conn)
		return
	}
	delete(co.conns, conn)
	if co.byUser[entry.user.ID] == conn {
		delete(co.byUser, entry.user.ID)
	}
	log.Info().Str("module", "app.coordinator").Str("conn", string(conn)).
		Str("user_id", string(entry.user.ID)).Msg("user disconnected")

	co.broadcastPresence()
	co.endCallsOf(conn)
}

// Online returns an order-irrelevant snapshot of the presence set.
func (co *Coordinator) Online() []domain.PresenceEntry {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.presence()
}

// Stats reports live counts for the health endpoint.
func (co *Coordinator) Stats() (users, calls int) {
	co.mu.Lock()
	defer co.mu.Unlock()
	return len(co.conns), len(co.calls)
}

// Initiate opens a ringing session against an online target, notifying the
// callee with call:incoming and acking the caller with call:initiated.
// Nobody else learns the callID.
func (co *Coordinator) Initiate(caller domain.ConnectionID, target domain.UserID, callType domain.CallType) (domain.CallID, error) {
	co.mu.Lock()
	defer co.mu.Unlock()

	callerEntry, ok := co.conns[caller]
	if !ok {
		return "", ErrNotJoined
	}
	targetConn, ok := co.byUser[target]
	if !ok {
		return "", ErrTargetNotOnline
	}
	calleeEntry := co.conns[targetConn]

	sess := &domain.CallSession{
		ID: domain.NewCallID(),
		Caller: domain.Participant{
			UserID:       callerEntry.user.ID,
			DisplayName:  callerEntry.user.DisplayName,
			ConnectionID: caller,
		},
		Callee: domain.Participant{
			UserID:       calleeEntry.user.ID,
			DisplayName:  calleeEntry.user.DisplayName,
			ConnectionID: targetConn,
		},
		Type:      callType,
		State:     domain.CallRinging,
		StartTime: time.Now(),
	}
	co.calls[sess.ID] = sess
	log.Info().Str("module", "app.coordinator").Str("call_id", string(sess.ID)).
		Str("caller", string(sess.Caller.UserID)).Str("callee", string(sess.Callee.UserID)).
		Str("call_type", string(callType)).Msg("call ringing")

	co.send(targetConn, struct {
		Type     string             `json:"type"`
		CallID   domain.CallID      `json:"callId"`
		Caller   domain.Participant `json:"caller"`
		CallType domain.CallType    `json:"callType"`
	}{"call:incoming", sess.ID, sess.Caller, sess.Type})

	co.send(caller, struct {
		Type   string        `json:"type"`
		CallID domain.CallID `json:"callId"`
	}{"call:initiated", sess.ID})

	return sess.ID, nil
}

// Accept moves a ringing session to connected. Only the stored callee may
// accept; both sides get call:accepted.
func (co *Coordinator) Accept(conn domain.ConnectionID, callID domain.CallID) error {
	co.mu.Lock()
	defer co.mu.Unlock()

	sess, ok := co.calls[callID]
	if !ok {
		return ErrCallNotFound
	}
	if sess.Callee.ConnectionID != conn {
		return ErrUnauthorized
	}
	if !sess.State.CanTransition(domain.CallConnected) {
		return ErrCallNotFound
	}
	sess.State = domain.CallConnected
	sess.ConnectTime = time.Now()
	log.Info().Str("module", "app.coordinator").Str("call_id", string(callID)).Msg("call connected")

	resp := struct {
		Type   string        `json:"type"`
		CallID domain.CallID `json:"callId"`
	}{"call:accepted", callID}
	co.send(sess.Caller.ConnectionID, resp)
	co.send(sess.Callee.ConnectionID, resp)
	return nil
}

// Reject ends a ringing session with call:rejected to the caller only.
// Same authorization rule as Accept.
func (co *Coordinator) Reject(conn domain.ConnectionID, callID domain.CallID) error {
	co.mu.Lock()
	defer co.mu.Unlock()

	sess, ok := co.calls[callID]
	if !ok {
		return ErrCallNotFound
	}
	if sess.Callee.ConnectionID != conn {
		return ErrUnauthorized
	}
	if !sess.State.CanTransition(domain.CallRejected) {
		return ErrCallNotFound
	}
	sess.State = domain.CallRejected
	sess.EndTime = time.Now()
	delete(co.calls, callID)
	log.Info().Str("module", "app.coordinator").Str("call_id", string(callID)).Msg("call rejected")

	co.send(sess.Caller.ConnectionID, struct {
		Type   string        `json:"type"`
		CallID domain.CallID `json:"callId"`
	}{"call:rejected", callID})
	co.persist(sess.Record())
	return nil
}

// End tears a session down from any non-terminal state. Deliberately no
// participant check: teardown must never be blocked by authorization.
// An unknown callID is a silent no-op.
func (co *Coordinator) End(conn domain.ConnectionID, callID domain.CallID) {
	co.mu.Lock()
	defer co.mu.Unlock()

	sess, ok := co.calls[callID]
	if !ok {
		return
	}
	co.endSession(sess)
}

// Relay forwards a negotiation payload verbatim to the counterpart of the
// participant named by targetUserID. The payload is opaque: no validation,
// no retries. Unknown callIDs are dropped silently since post-teardown
// traffic is expected and harmless. The sender must be one of the two
// stored participants; anything else is dropped as well.
func (co *Coordinator) Relay(kind string, sender domain.ConnectionID, callID domain.CallID, target domain.UserID, payload json.RawMessage) {
	co.mu.Lock()
	defer co.mu.Unlock()

	sess, ok := co.calls[callID]
	if !ok {
		return
	}
	if !sess.HasConnection(sender) {
		log.Warn().Str("module", "app.coordinator").Str("call_id", string(callID)).
			Str("conn", string(sender)).Str("kind", kind).Msg("relay from non-participant dropped")
		return
	}
	recipient := sess.Callee
	if sess.Caller.UserID != target {
		recipient = sess.Caller
	}
	co.send(recipient.ConnectionID, struct {
		Type    string          `json:"type"`
		CallID  domain.CallID   `json:"callId"`
		Payload json.RawMessage `json:"payload"`
	}{kind, callID, payload})
}

// QualityReport hands a telemetry sample to the persistence collaborator.
// Stateless pass-through: no ack, no session lookup, the store owns the
// sample's lifecycle.
func (co *Coordinator) QualityReport(callID domain.CallID, sample json.RawMessage) {
	if co.rec == nil {
		return
	}
	go func() {
		if err := co.rec.SaveQuality(callID, sample); err != nil {
			log.Error().Err(err).Str("module", "app.coordinator").
				Str("call_id", string(callID)).Msg("save quality sample")
		}
	}()
}

// endSession finalizes one session: ended state, endTime, call:ended to
// both sides (best-effort), removal, call record. mu held.
func (co *Coordinator) endSession(sess *domain.CallSession) {
	sess.State = domain.CallEnded
	sess.EndTime = time.Now()
	delete(co.calls, sess.ID)
	log.Info().Str("module", "app.coordinator").Str("call_id", string(sess.ID)).Msg("call ended")

	resp := struct {
		Type   string        `json:"type"`
		CallID domain.CallID `json:"callId"`
	}{"call:ended", sess.ID}
	co.send(sess.Caller.ConnectionID, resp)
	co.send(sess.Callee.ConnectionID, resp)
	co.persist(sess.Record())
}

// endCallsOf forces every session referencing conn to ended. The surviving
// participant gets exactly one call:ended; the vanished connection is no
// longer in conns so its send is a no-op. mu held.
func (co *Coordinator) endCallsOf(conn domain.ConnectionID) {
	for _, sess := range co.calls {
		if sess.HasConnection(conn) {
			co.endSession(sess)
		}
	}
}

// presence builds the broadcast set. mu held.
func (co *Coordinator) presence() []domain.PresenceEntry {
	out := make([]domain.PresenceEntry, 0, len(co.conns))
	for conn, e := range co.conns {
		out = append(out, domain.PresenceEntry{
			UserID:       e.user.ID,
			DisplayName:  e.user.DisplayName,
			ConnectionID: conn,
		})
	}
	return out
}

// broadcastPresence pushes the full users:online set to every joined
// connection. mu held.
func (co *Coordinator) broadcastPresence() {
	resp := struct {
		Type  string                 `json:"type"`
		Users []domain.PresenceEntry `json:"users"`
	}{"users:online", co.presence()}
	b, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Str("module", "app.coordinator").Msg("marshal presence broadcast")
		return
	}
	for conn, e := range co.conns {
		if err := e.signal.TrySend(b); err != nil {
			log.Warn().Err(err).Str("module", "app.coordinator").
				Str("conn", string(conn)).Msg("presence broadcast dropped")
		}
	}
}

// send marshals v to the given connection if it is still joined. Delivery
// is best-effort; a missing or slow target is not an error. mu held.
func (co *Coordinator) send(conn domain.ConnectionID, v any) {
	e, ok := co.conns[conn]
	if !ok {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.coordinator").Msg("marshal notification")
		return
	}
	if err := e.signal.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "app.coordinator").
			Str("conn", string(conn)).Msg("notification dropped")
	}
}

// persist hands a terminal call record to the store off the lock. mu held
// when called, so the write itself runs in a goroutine.
func (co *Coordinator) persist(rec domain.CallRecord) {
	if co.rec == nil {
		return
	}
	go func() {
		if err := co.rec.SaveCall(rec); err != nil {
			log.Error().Err(err).Str("module", "app.coordinator").
				Str("call_id", string(rec.ID)).Msg("save call record")
		}
	}()
}
