package app_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Peercall/internal/app"
	"github.com/dkeye/Peercall/internal/core"
	"github.com/dkeye/Peercall/internal/domain"
)

// fakeConn records every frame the coordinator delivers.
type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
}

func (f *fakeConn) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// events decodes all recorded frames into generic maps.
func (f *fakeConn) events(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.frames))
	for _, fr := range f.frames {
		var m map[string]any
		if err := json.Unmarshal(fr, &m); err != nil {
			t.Fatalf("undecodable frame %q: %v", fr, err)
		}
		out = append(out, m)
	}
	return out
}

// lastOfType returns the newest event with the given type, or nil.
func (f *fakeConn) lastOfType(t *testing.T, typ string) map[string]any {
	t.Helper()
	evs := f.events(t)
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i]["type"] == typ {
			return evs[i]
		}
	}
	return nil
}

func (f *fakeConn) countOfType(t *testing.T, typ string) int {
	t.Helper()
	n := 0
	for _, ev := range f.events(t) {
		if ev["type"] == typ {
			n++
		}
	}
	return n
}

type recorded struct {
	call    *domain.CallRecord
	quality json.RawMessage
}

// fakeRecorder pushes every write into a channel so tests can wait for the
// coordinator's off-lock goroutines.
type fakeRecorder struct {
	ch chan recorded
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{ch: make(chan recorded, 16)}
}

func (r *fakeRecorder) SaveCall(rec domain.CallRecord) error {
	r.ch <- recorded{call: &rec}
	return nil
}

func (r *fakeRecorder) SaveQuality(callID domain.CallID, sample json.RawMessage) error {
	r.ch <- recorded{quality: sample}
	return nil
}

func (r *fakeRecorder) next(t *testing.T) recorded {
	t.Helper()
	select {
	case rec := <-r.ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatalf("recorder received nothing")
		return recorded{}
	}
}

func join(co *app.Coordinator, conn domain.ConnectionID, id domain.UserID, name string) *fakeConn {
	f := &fakeConn{}
	co.Join(conn, f, domain.User{ID: id, DisplayName: name})
	return f
}

func presenceUserIDs(t *testing.T, ev map[string]any) map[string]bool {
	t.Helper()
	if ev == nil {
		t.Fatalf("no users:online event")
	}
	raw, ok := ev["users"].([]any)
	if !ok {
		t.Fatalf("users:online without users list: %v", ev)
	}
	ids := make(map[string]bool, len(raw))
	for _, u := range raw {
		entry := u.(map[string]any)
		ids[entry["userId"].(string)] = true
	}
	return ids
}

func TestJoinBroadcastsFullPresenceSet(t *testing.T) {
	co := app.NewCoordinator(nil)

	alice := join(co, "c1", "alice", "Alice")
	bob := join(co, "c2", "bob", "Bob")

	for _, f := range []*fakeConn{alice, bob} {
		ids := presenceUserIDs(t, f.lastOfType(t, "users:online"))
		if len(ids) != 2 || !ids["alice"] || !ids["bob"] {
			t.Fatalf("expected {alice,bob} online, got %v", ids)
		}
	}

	if got := len(co.Online()); got != 2 {
		t.Fatalf("expected 2 presence entries, got %d", got)
	}
}

func TestDisconnectShrinksPresence(t *testing.T) {
	co := app.NewCoordinator(nil)

	alice := join(co, "c1", "alice", "Alice")
	join(co, "c2", "bob", "Bob")

	co.Disconnect("c2")

	ids := presenceUserIDs(t, alice.lastOfType(t, "users:online"))
	if len(ids) != 1 || !ids["alice"] {
		t.Fatalf("expected only alice online, got %v", ids)
	}
	if got := len(co.Online()); got != 1 {
		t.Fatalf("expected 1 presence entry, got %d", got)
	}
}

func TestDisconnectUnknownConnectionIsIdempotent(t *testing.T) {
	co := app.NewCoordinator(nil)
	join(co, "c1", "alice", "Alice")

	co.Disconnect("ghost")
	co.Disconnect("ghost")

	if got := len(co.Online()); got != 1 {
		t.Fatalf("presence disturbed by unknown disconnect: %d entries", got)
	}
}

func TestRejoinEvictsStaleEntrySilently(t *testing.T) {
	co := app.NewCoordinator(nil)

	old := join(co, "c1", "alice", "Alice")
	oldFrames := len(old.events(t))

	// Same user, new connection: newest wins.
	join(co, "c2", "alice", "Alice")

	online := co.Online()
	if len(online) != 1 {
		t.Fatalf("expected 1 presence entry after rejoin, got %d", len(online))
	}
	if online[0].ConnectionID != "c2" {
		t.Fatalf("expected newest connection to win, got %s", online[0].ConnectionID)
	}
	// The evicted connection is not told anything.
	if got := len(old.events(t)); got != oldFrames {
		t.Fatalf("evicted connection received %d extra frames", got-oldFrames)
	}
}

func TestInitiateAgainstOfflineTarget(t *testing.T) {
	co := app.NewCoordinator(nil)
	join(co, "c1", "alice", "Alice")

	_, err := co.Initiate("c1", "carol", domain.CallTypeVideo)
	if err != app.ErrTargetNotOnline {
		t.Fatalf("expected ErrTargetNotOnline, got %v", err)
	}
	if _, calls := co.Stats(); calls != 0 {
		t.Fatalf("no session must be created, got %d", calls)
	}
}

func TestInitiateWithoutJoin(t *testing.T) {
	co := app.NewCoordinator(nil)
	join(co, "c2", "bob", "Bob")

	if _, err := co.Initiate("c1", "bob", domain.CallTypeVideo); err != app.ErrNotJoined {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
}

func TestInitiateNotifiesOnlyTheTwoParties(t *testing.T) {
	co := app.NewCoordinator(nil)
	alice := join(co, "c1", "alice", "Alice")
	bob := join(co, "c2", "bob", "Bob")
	eve := join(co, "c3", "eve", "Eve")

	callID, err := co.Initiate("c1", "bob", domain.CallTypeVideo)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	ack := alice.lastOfType(t, "call:initiated")
	if ack == nil || ack["callId"] != string(callID) {
		t.Fatalf("caller did not get call:initiated for %s: %v", callID, ack)
	}

	incoming := bob.lastOfType(t, "call:incoming")
	if incoming == nil {
		t.Fatalf("callee did not get call:incoming")
	}
	if incoming["callId"] != string(callID) {
		t.Fatalf("call:incoming carries wrong callId: %v", incoming)
	}
	caller := incoming["caller"].(map[string]any)
	if caller["userId"] != "alice" || caller["displayName"] != "Alice" {
		t.Fatalf("call:incoming carries wrong caller snapshot: %v", caller)
	}
	if incoming["callType"] != "video" {
		t.Fatalf("call:incoming carries wrong callType: %v", incoming)
	}

	if eve.countOfType(t, "call:incoming") != 0 || eve.countOfType(t, "call:initiated") != 0 {
		t.Fatalf("third party learned about the call")
	}
}

func TestAcceptFlow(t *testing.T) {
	co := app.NewCoordinator(nil)
	alice := join(co, "c1", "alice", "Alice")
	bob := join(co, "c2", "bob", "Bob")

	callID, _ := co.Initiate("c1", "bob", domain.CallTypeVideo)
	if err := co.Accept("c2", callID); err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	for name, f := range map[string]*fakeConn{"alice": alice, "bob": bob} {
		ev := f.lastOfType(t, "call:accepted")
		if ev == nil || ev["callId"] != string(callID) {
			t.Fatalf("%s did not get call:accepted: %v", name, ev)
		}
	}
	if _, calls := co.Stats(); calls != 1 {
		t.Fatalf("connected session must stay in the table, got %d", calls)
	}
}

func TestAcceptAuthorization(t *testing.T) {
	co := app.NewCoordinator(nil)
	join(co, "c1", "alice", "Alice")
	bob := join(co, "c2", "bob", "Bob")
	join(co, "c3", "eve", "Eve")

	callID, _ := co.Initiate("c1", "bob", domain.CallTypeAudio)

	// Neither the caller nor a third party may answer.
	if err := co.Accept("c1", callID); err != app.ErrUnauthorized {
		t.Fatalf("caller accept: expected ErrUnauthorized, got %v", err)
	}
	if err := co.Accept("c3", callID); err != app.ErrUnauthorized {
		t.Fatalf("third party accept: expected ErrUnauthorized, got %v", err)
	}
	if err := co.Reject("c3", callID); err != app.ErrUnauthorized {
		t.Fatalf("third party reject: expected ErrUnauthorized, got %v", err)
	}

	// State unchanged: the designated callee can still accept.
	if err := co.Accept("c2", callID); err != nil {
		t.Fatalf("callee accept after unauthorized attempts: %v", err)
	}
	if bob.countOfType(t, "call:accepted") != 1 {
		t.Fatalf("expected exactly one call:accepted at the callee")
	}
}

func TestAcceptUnknownCall(t *testing.T) {
	co := app.NewCoordinator(nil)
	join(co, "c1", "alice", "Alice")

	if err := co.Accept("c1", "no-such-call"); err != app.ErrCallNotFound {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}
}

func TestRejectNotifiesCallerOnlyAndRemovesSession(t *testing.T) {
	rec := newFakeRecorder()
	co := app.NewCoordinator(rec)
	alice := join(co, "c1", "alice", "Alice")
	bob := join(co, "c2", "bob", "Bob")

	callID, _ := co.Initiate("c1", "bob", domain.CallTypeVideo)
	if err := co.Reject("c2", callID); err != nil {
		t.Fatalf("reject failed: %v", err)
	}

	ev := alice.lastOfType(t, "call:rejected")
	if ev == nil || ev["callId"] != string(callID) {
		t.Fatalf("caller did not get call:rejected: %v", ev)
	}
	if bob.countOfType(t, "call:rejected") != 0 {
		t.Fatalf("callee must not receive call:rejected")
	}
	if _, calls := co.Stats(); calls != 0 {
		t.Fatalf("rejected session must leave the table")
	}

	// Terminal cleanup: a later accept sees no session at all.
	if err := co.Accept("c2", callID); err != app.ErrCallNotFound {
		t.Fatalf("stale accept: expected ErrCallNotFound, got %v", err)
	}

	r := rec.next(t)
	if r.call == nil || r.call.FinalState != domain.CallRejected {
		t.Fatalf("expected rejected call record, got %+v", r)
	}
}

func TestEndByEitherParticipant(t *testing.T) {
	co := app.NewCoordinator(nil)
	alice := join(co, "c1", "alice", "Alice")
	bob := join(co, "c2", "bob", "Bob")

	// Caller ends a ringing call.
	callID, _ := co.Initiate("c1", "bob", domain.CallTypeVideo)
	co.End("c1", callID)
	for name, f := range map[string]*fakeConn{"alice": alice, "bob": bob} {
		if f.countOfType(t, "call:ended") != 1 {
			t.Fatalf("%s did not get call:ended", name)
		}
	}

	// Callee ends a connected call.
	callID, _ = co.Initiate("c1", "bob", domain.CallTypeVideo)
	if err := co.Accept("c2", callID); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	co.End("c2", callID)
	if _, calls := co.Stats(); calls != 0 {
		t.Fatalf("ended session must leave the table")
	}
}

func TestEndUnknownCallIsSilent(t *testing.T) {
	co := app.NewCoordinator(nil)
	alice := join(co, "c1", "alice", "Alice")
	before := len(alice.events(t))

	co.End("c1", "no-such-call")

	if got := len(alice.events(t)); got != before {
		t.Fatalf("silent no-op produced %d frames", got-before)
	}
}

func TestDisconnectEndsCallsExactlyOnce(t *testing.T) {
	co := app.NewCoordinator(nil)
	alice := join(co, "c1", "alice", "Alice")
	join(co, "c2", "bob", "Bob")

	callID, _ := co.Initiate("c1", "bob", domain.CallTypeVideo)
	if err := co.Accept("c2", callID); err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	co.Disconnect("c2")

	if n := alice.countOfType(t, "call:ended"); n != 1 {
		t.Fatalf("surviving participant got %d call:ended, want exactly 1", n)
	}
	ids := presenceUserIDs(t, alice.lastOfType(t, "users:online"))
	if len(ids) != 1 || !ids["alice"] {
		t.Fatalf("expected only alice online after disconnect, got %v", ids)
	}
	if _, calls := co.Stats(); calls != 0 {
		t.Fatalf("sessions must be cleaned up on disconnect")
	}
}

func TestDisconnectCleansRingingCallsToo(t *testing.T) {
	co := app.NewCoordinator(nil)
	join(co, "c1", "alice", "Alice")
	bob := join(co, "c2", "bob", "Bob")

	if _, err := co.Initiate("c1", "bob", domain.CallTypeVideo); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	// The caller vanishes while the call is still ringing.
	co.Disconnect("c1")

	if n := bob.countOfType(t, "call:ended"); n != 1 {
		t.Fatalf("callee got %d call:ended, want exactly 1", n)
	}
	if _, calls := co.Stats(); calls != 0 {
		t.Fatalf("ringing session must be cleaned up")
	}
}

func TestRelayForwardsVerbatimToCounterpart(t *testing.T) {
	co := app.NewCoordinator(nil)
	join(co, "c1", "alice", "Alice")
	bob := join(co, "c2", "bob", "Bob")

	callID, _ := co.Initiate("c1", "bob", domain.CallTypeVideo)

	payload := json.RawMessage(`{"sdp":"v=0...","type":"offer"}`)
	// The client names itself in targetUserId; the counterpart receives.
	co.Relay("webrtc:offer", "c1", callID, "alice", payload)

	ev := bob.lastOfType(t, "webrtc:offer")
	if ev == nil {
		t.Fatalf("callee did not get the offer")
	}
	if ev["callId"] != string(callID) {
		t.Fatalf("offer carries wrong callId: %v", ev)
	}
	got, _ := json.Marshal(ev["payload"])
	var want, have map[string]any
	if err := json.Unmarshal(payload, &want); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(got, &have); err != nil {
		t.Fatal(err)
	}
	if have["sdp"] != want["sdp"] || have["type"] != want["type"] {
		t.Fatalf("payload not forwarded verbatim: %v", have)
	}
}

func TestRelayResolvesCounterpartByTargetField(t *testing.T) {
	co := app.NewCoordinator(nil)
	alice := join(co, "c1", "alice", "Alice")
	join(co, "c2", "bob", "Bob")

	callID, _ := co.Initiate("c1", "bob", domain.CallTypeVideo)

	// Callee answers; names the caller; the caller receives.
	co.Relay("webrtc:answer", "c2", callID, "bob", json.RawMessage(`{"sdp":"a"}`))
	if alice.countOfType(t, "webrtc:answer") != 1 {
		t.Fatalf("caller did not get the answer")
	}
}

func TestRelayUnknownCallIsDropped(t *testing.T) {
	co := app.NewCoordinator(nil)
	alice := join(co, "c1", "alice", "Alice")
	bob := join(co, "c2", "bob", "Bob")

	callID, _ := co.Initiate("c1", "bob", domain.CallTypeVideo)
	co.End("c1", callID)

	beforeA, beforeB := len(alice.events(t)), len(bob.events(t))
	// Post-teardown negotiation traffic is expected and harmless.
	co.Relay("webrtc:ice-candidate", "c1", callID, "alice", json.RawMessage(`{}`))
	if len(alice.events(t)) != beforeA || len(bob.events(t)) != beforeB {
		t.Fatalf("relay to expired call must be a silent drop")
	}
}

func TestRelayFromNonParticipantIsDropped(t *testing.T) {
	co := app.NewCoordinator(nil)
	alice := join(co, "c1", "alice", "Alice")
	bob := join(co, "c2", "bob", "Bob")
	join(co, "c3", "eve", "Eve")

	callID, _ := co.Initiate("c1", "bob", domain.CallTypeVideo)

	beforeA, beforeB := len(alice.events(t)), len(bob.events(t))
	co.Relay("webrtc:offer", "c3", callID, "alice", json.RawMessage(`{"sdp":"evil"}`))
	if len(alice.events(t)) != beforeA || len(bob.events(t)) != beforeB {
		t.Fatalf("relay from non-participant must be dropped")
	}
}

func TestQualityReportReachesRecorder(t *testing.T) {
	rec := newFakeRecorder()
	co := app.NewCoordinator(rec)

	sample := json.RawMessage(`{"rtt":42,"jitter":3}`)
	co.QualityReport("some-call", sample)

	r := rec.next(t)
	if r.quality == nil || string(r.quality) != string(sample) {
		t.Fatalf("sample not forwarded: %+v", r)
	}
}

func TestEndedCallRecordHasDuration(t *testing.T) {
	rec := newFakeRecorder()
	co := app.NewCoordinator(rec)
	join(co, "c1", "alice", "Alice")
	join(co, "c2", "bob", "Bob")

	callID, _ := co.Initiate("c1", "bob", domain.CallTypeAudio)
	if err := co.Accept("c2", callID); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	co.End("c1", callID)

	r := rec.next(t)
	if r.call == nil {
		t.Fatalf("expected a call record, got %+v", r)
	}
	if r.call.ID != callID || r.call.FinalState != domain.CallEnded {
		t.Fatalf("unexpected record %+v", r.call)
	}
	if r.call.CallerID != "alice" || r.call.CalleeID != "bob" {
		t.Fatalf("record lost the participants: %+v", r.call)
	}
	if r.call.Duration() < 0 {
		t.Fatalf("negative duration: %v", r.call.Duration())
	}
}

// The full first scenario: join, call, accept, disconnect.
func TestScenarioAcceptThenDisconnect(t *testing.T) {
	co := app.NewCoordinator(nil)
	alice := join(co, "c1", "alice", "Alice")
	bob := join(co, "c2", "bob", "Bob")

	ids := presenceUserIDs(t, alice.lastOfType(t, "users:online"))
	if !ids["alice"] || !ids["bob"] {
		t.Fatalf("both users must appear online, got %v", ids)
	}

	callID, err := co.Initiate("c1", "bob", domain.CallTypeVideo)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if bob.lastOfType(t, "call:incoming") == nil {
		t.Fatalf("bob missed call:incoming")
	}
	if alice.lastOfType(t, "call:initiated") == nil {
		t.Fatalf("alice missed call:initiated")
	}

	if err := co.Accept("c2", callID); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if alice.countOfType(t, "call:accepted") != 1 || bob.countOfType(t, "call:accepted") != 1 {
		t.Fatalf("both sides must get call:accepted")
	}

	co.Disconnect("c2")
	if alice.countOfType(t, "call:ended") != 1 {
		t.Fatalf("alice must get exactly one call:ended")
	}
	ids = presenceUserIDs(t, alice.lastOfType(t, "users:online"))
	if len(ids) != 1 || !ids["alice"] {
		t.Fatalf("only alice may remain online, got %v", ids)
	}
}
