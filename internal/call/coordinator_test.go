package call

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/rx3lixir/boltalka/internal/db"
	"github.com/rx3lixir/boltalka/internal/feed"
	"github.com/rx3lixir/boltalka/internal/rtc"
	"github.com/rx3lixir/boltalka/internal/session"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{Level: log.FatalLevel})
}

// fakeTransport records the negotiation steps driven through it
type fakeTransport struct {
	mu          sync.Mutex
	sessionID   uuid.UUID
	offered     bool
	gotOffer    bool
	gotAnswer   bool
	candidates  []rtc.Candidate
	closed      bool
	onCandidate func(rtc.Candidate)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sessionID: uuid.New()}
}

func (f *fakeTransport) CreateOffer(ctx context.Context) (rtc.Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offered = true
	return rtc.Description{Type: rtc.DescriptionOffer, SessionID: f.sessionID}, nil
}

func (f *fakeTransport) HandleOffer(ctx context.Context, offer rtc.Description) (rtc.Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offer.Type != rtc.DescriptionOffer {
		return rtc.Description{}, fmt.Errorf("expected offer, got %q", offer.Type)
	}
	f.gotOffer = true
	return rtc.Description{Type: rtc.DescriptionAnswer, SessionID: f.sessionID}, nil
}

func (f *fakeTransport) HandleAnswer(ctx context.Context, answer rtc.Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if answer.Type != rtc.DescriptionAnswer {
		return fmt.Errorf("expected answer, got %q", answer.Type)
	}
	f.gotAnswer = true
	return nil
}

func (f *fakeTransport) AddCandidate(ctx context.Context, c rtc.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeTransport) OnCandidate(fn func(rtc.Candidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = fn
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) snapshot() fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeTransport{
		offered:   f.offered,
		gotOffer:  f.gotOffer,
		gotAnswer: f.gotAnswer,
		closed:    f.closed,
	}
}

// fakeCallStore is an in-memory CallStore + UserStore announcing
// mutations on a Bus like the real store does.
type fakeCallStore struct {
	mu         sync.Mutex
	users      map[uuid.UUID]*db.User
	calls      map[uuid.UUID]*db.ActiveCall
	signals    []*db.CallSignal
	bus        *feed.Bus
	clock      time.Time
	failCreate bool
	failUpdate bool
	onCreate   func(*db.ActiveCall)
}

func newFakeCallStore(bus *feed.Bus, users ...*db.User) *fakeCallStore {
	f := &fakeCallStore{
		users: make(map[uuid.UUID]*db.User),
		calls: make(map[uuid.UUID]*db.ActiveCall),
		bus:   bus,
		clock: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	for _, u := range users {
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeCallStore) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeCallStore) notify(table string, kind feed.EventKind, id uuid.UUID) {
	_ = f.bus.Notify(context.Background(), feed.Event{Table: table, Kind: kind, RowID: id})
}

func (f *fakeCallStore) CreateCall(ctx context.Context, callerID, receiverID uuid.UUID) (*db.ActiveCall, error) {
	f.mu.Lock()
	if f.failCreate {
		f.mu.Unlock()
		return nil, fmt.Errorf("store unavailable")
	}
	call := &db.ActiveCall{
		ID:         uuid.New(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		Status:     db.CallStatusRinging,
		CreatedAt:  f.tick(),
	}
	f.calls[call.ID] = call
	hook := f.onCreate
	f.onCreate = nil
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}

	f.notify(feed.TableActiveCalls, feed.EventInsert, call.ID)

	clone := *call
	return &clone, nil
}

func (f *fakeCallStore) GetCallByID(ctx context.Context, id uuid.UUID) (*db.ActiveCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call, ok := f.calls[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	clone := *call
	return &clone, nil
}

func (f *fakeCallStore) UpdateCallStatus(ctx context.Context, id uuid.UUID, from, to string) error {
	f.mu.Lock()
	if f.failUpdate {
		f.mu.Unlock()
		return fmt.Errorf("store unavailable")
	}
	call, ok := f.calls[id]
	if !ok || call.Status != from {
		f.mu.Unlock()
		return db.ErrInvalidState
	}
	call.Status = to
	f.mu.Unlock()

	f.notify(feed.TableActiveCalls, feed.EventUpdate, id)
	return nil
}

func (f *fakeCallStore) CreateCallSignal(ctx context.Context, sig *db.CallSignal) error {
	f.mu.Lock()
	sig.ID = uuid.New()
	sig.CreatedAt = f.tick()
	clone := *sig
	f.signals = append(f.signals, &clone)
	f.mu.Unlock()

	f.notify(feed.TableCallSignals, feed.EventInsert, sig.ID)
	return nil
}

func (f *fakeCallStore) GetCallSignals(ctx context.Context, callID uuid.UUID, after time.Time, excludeSenderID uuid.UUID) ([]*db.CallSignal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := []*db.CallSignal{}
	for _, sig := range f.signals {
		if sig.CallID == callID && sig.CreatedAt.After(after) && sig.SenderID != excludeSenderID {
			clone := *sig
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *fakeCallStore) GetUserByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	clone := *u
	return &clone, nil
}

type testPeer struct {
	user        *db.User
	coordinator *Coordinator
	transports  []*fakeTransport
	factoryErr  error
}

func newTestPeer(t *testing.T, ctx context.Context, name string, store *fakeCallStore, bus *feed.Bus) *testPeer {
	t.Helper()

	user := &db.User{ID: uuid.New(), Username: name}
	store.users[user.ID] = user

	sess := session.New()
	sess.SignIn(user.ID, name, "access", "refresh")

	peer := &testPeer{user: user}
	factory := func() (Transport, error) {
		if peer.factoryErr != nil {
			return nil, peer.factoryErr
		}
		tr := newFakeTransport()
		peer.transports = append(peer.transports, tr)
		return tr, nil
	}

	peer.coordinator = NewCoordinator(store, store, sess, testLogger(), factory)
	t.Cleanup(peer.coordinator.Bind(ctx, bus))

	return peer
}

func TestInitiateMovesToRingingOut(t *testing.T) {
	ctx := context.Background()
	bus := feed.NewBus()
	store := newFakeCallStore(bus)

	alice := newTestPeer(t, ctx, "alice", store, bus)
	bob := newTestPeer(t, ctx, "bob", store, bus)

	call, err := alice.coordinator.Initiate(ctx, bob.user.ID)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if call.Status != db.CallStatusRinging {
		t.Errorf("call status = %q, want ringing", call.Status)
	}
	if alice.coordinator.State() != StateRingingOut {
		t.Errorf("caller state = %q, want ringing-out", alice.coordinator.State())
	}

	// A second call while busy is refused
	if _, err := alice.coordinator.Initiate(ctx, bob.user.ID); err == nil {
		t.Error("Initiate() while ringing-out succeeded")
	}
}

func TestInitiateFailureLeavesIdle(t *testing.T) {
	ctx := context.Background()
	bus := feed.NewBus()
	store := newFakeCallStore(bus)

	alice := newTestPeer(t, ctx, "alice", store, bus)
	bob := newTestPeer(t, ctx, "bob", store, bus)

	store.failCreate = true
	if _, err := alice.coordinator.Initiate(ctx, bob.user.ID); err == nil {
		t.Fatal("Initiate() succeeded despite store failure")
	}

	if alice.coordinator.State() != StateIdle {
		t.Fatalf("caller state = %q, want idle", alice.coordinator.State())
	}
}

func TestInterleavedInitiateKeepsOneCall(t *testing.T) {
	ctx := context.Background()
	bus := feed.NewBus()
	store := newFakeCallStore(bus)

	alice := newTestPeer(t, ctx, "alice", store, bus)

	bobID := uuid.New()
	store.users[bobID] = &db.User{ID: bobID, Username: "bob"}
	carolID := uuid.New()
	store.users[carolID] = &db.User{ID: carolID, Username: "carol"}

	// A second dial lands between the first dial's idle check and its
	// commit; the first dial must lose and close out its row
	var firstID uuid.UUID
	var second *db.ActiveCall
	store.onCreate = func(first *db.ActiveCall) {
		firstID = first.ID
		call, err := alice.coordinator.Initiate(ctx, carolID)
		if err != nil {
			t.Errorf("interleaved Initiate() error = %v", err)
			return
		}
		second = call
	}

	if _, err := alice.coordinator.Initiate(ctx, bobID); err == nil {
		t.Fatal("superseded Initiate() succeeded")
	}
	if second == nil {
		t.Fatal("interleaved dial never committed")
	}

	active := alice.coordinator.Active()
	if active == nil || active.ID != second.ID {
		t.Fatalf("active call = %+v, want the interleaved dial", active)
	}

	loser, err := store.GetCallByID(ctx, firstID)
	if err != nil {
		t.Fatalf("GetCallByID() error = %v", err)
	}
	if loser.Status != db.CallStatusEnded {
		t.Errorf("superseded call status = %q, want ended", loser.Status)
	}
	winner, _ := store.GetCallByID(ctx, second.ID)
	if winner.Status != db.CallStatusRinging {
		t.Errorf("winning call status = %q, want ringing", winner.Status)
	}
}

func TestIncomingRingSurfacesAtReceiver(t *testing.T) {
	ctx := context.Background()
	bus := feed.NewBus()
	store := newFakeCallStore(bus)

	alice := newTestPeer(t, ctx, "alice", store, bus)
	bob := newTestPeer(t, ctx, "bob", store, bus)

	call, err := alice.coordinator.Initiate(ctx, bob.user.ID)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	if bob.coordinator.State() != StateRingingIn {
		t.Fatalf("receiver state = %q, want ringing-in", bob.coordinator.State())
	}
	incoming := bob.coordinator.Incoming()
	if incoming == nil || incoming.Call.ID != call.ID {
		t.Fatal("incoming call not surfaced")
	}
	if incoming.Caller.Username != "alice" {
		t.Errorf("caller name = %q, want alice", incoming.Caller.Username)
	}
}

func TestRejectPropagatesToCaller(t *testing.T) {
	ctx := context.Background()
	bus := feed.NewBus()
	store := newFakeCallStore(bus)

	alice := newTestPeer(t, ctx, "alice", store, bus)
	bob := newTestPeer(t, ctx, "bob", store, bus)

	call, err := alice.coordinator.Initiate(ctx, bob.user.ID)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	if err := bob.coordinator.Reject(ctx, call.ID); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}

	if bob.coordinator.State() != StateIdle {
		t.Errorf("receiver state = %q, want idle", bob.coordinator.State())
	}
	if alice.coordinator.State() != StateIdle {
		t.Errorf("caller state = %q, want idle after reject", alice.coordinator.State())
	}

	stored, _ := store.GetCallByID(ctx, call.ID)
	if stored.Status != db.CallStatusRejected {
		t.Errorf("stored status = %q, want rejected", stored.Status)
	}
}

func TestAcceptRunsFullSignalRelay(t *testing.T) {
	ctx := context.Background()
	bus := feed.NewBus()
	store := newFakeCallStore(bus)

	alice := newTestPeer(t, ctx, "alice", store, bus)
	bob := newTestPeer(t, ctx, "bob", store, bus)

	call, err := alice.coordinator.Initiate(ctx, bob.user.ID)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	if err := bob.coordinator.Accept(ctx, call.ID); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	if alice.coordinator.State() != StateInCall {
		t.Errorf("caller state = %q, want in-call", alice.coordinator.State())
	}
	if bob.coordinator.State() != StateInCall {
		t.Errorf("receiver state = %q, want in-call", bob.coordinator.State())
	}

	if len(alice.transports) != 1 || len(bob.transports) != 1 {
		t.Fatalf("transports: caller %d, receiver %d, want 1 each",
			len(alice.transports), len(bob.transports))
	}

	callerTr := alice.transports[0].snapshot()
	calleeTr := bob.transports[0].snapshot()

	if !callerTr.offered {
		t.Error("caller never created an offer")
	}
	if !calleeTr.gotOffer {
		t.Error("callee never received the offer")
	}
	if !callerTr.gotAnswer {
		t.Error("caller never received the answer")
	}
}

func TestAcceptTransportFailureKeepsRinging(t *testing.T) {
	ctx := context.Background()
	bus := feed.NewBus()
	store := newFakeCallStore(bus)

	alice := newTestPeer(t, ctx, "alice", store, bus)
	bob := newTestPeer(t, ctx, "bob", store, bus)

	call, err := alice.coordinator.Initiate(ctx, bob.user.ID)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	bob.factoryErr = fmt.Errorf("no socket")
	if err := bob.coordinator.Accept(ctx, call.ID); err == nil {
		t.Fatal("Accept() succeeded despite transport failure")
	}

	// Nothing moved: the row still rings and the ring is still answerable
	if bob.coordinator.State() != StateRingingIn {
		t.Errorf("receiver state = %q, want ringing-in", bob.coordinator.State())
	}
	if bob.coordinator.Incoming() == nil {
		t.Error("incoming call dropped by failed accept")
	}
	if alice.coordinator.State() != StateRingingOut {
		t.Errorf("caller state = %q, want ringing-out", alice.coordinator.State())
	}
	stored, _ := store.GetCallByID(ctx, call.ID)
	if stored.Status != db.CallStatusRinging {
		t.Fatalf("stored status = %q, want ringing", stored.Status)
	}

	bob.factoryErr = nil
	if err := bob.coordinator.Accept(ctx, call.ID); err != nil {
		t.Fatalf("retried Accept() error = %v", err)
	}
	if bob.coordinator.State() != StateInCall {
		t.Errorf("receiver state after retry = %q, want in-call", bob.coordinator.State())
	}
	if alice.coordinator.State() != StateInCall {
		t.Errorf("caller state after retry = %q, want in-call", alice.coordinator.State())
	}
}

func TestAcceptStoreFailureClosesTransport(t *testing.T) {
	ctx := context.Background()
	bus := feed.NewBus()
	store := newFakeCallStore(bus)

	alice := newTestPeer(t, ctx, "alice", store, bus)
	bob := newTestPeer(t, ctx, "bob", store, bus)

	call, err := alice.coordinator.Initiate(ctx, bob.user.ID)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	store.failUpdate = true
	if err := bob.coordinator.Accept(ctx, call.ID); err == nil {
		t.Fatal("Accept() hid the store failure")
	}

	if len(bob.transports) != 1 || !bob.transports[0].snapshot().closed {
		t.Fatal("transport from the failed accept left open")
	}
	if bob.coordinator.State() != StateRingingIn {
		t.Errorf("receiver state = %q, want ringing-in", bob.coordinator.State())
	}

	store.failUpdate = false
	if err := bob.coordinator.Accept(ctx, call.ID); err != nil {
		t.Fatalf("retried Accept() error = %v", err)
	}
	if len(bob.transports) != 2 || bob.transports[1].snapshot().closed {
		t.Fatal("retry did not bring up a fresh transport")
	}
	if !bob.transports[1].snapshot().gotOffer {
		t.Error("retried accept never received the offer")
	}
}

func TestCandidateRelayBetweenPeers(t *testing.T) {
	ctx := context.Background()
	bus := feed.NewBus()
	store := newFakeCallStore(bus)

	alice := newTestPeer(t, ctx, "alice", store, bus)
	bob := newTestPeer(t, ctx, "bob", store, bus)

	call, err := alice.coordinator.Initiate(ctx, bob.user.ID)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if err := bob.coordinator.Accept(ctx, call.ID); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	// A reflexive candidate discovered on the caller's side reaches the callee
	candidate := rtc.Candidate{Addr: "203.0.113.9:4242", Kind: rtc.CandidateReflexive}
	alice.transports[0].onCandidate(candidate)

	bobTr := bob.transports[0]
	bobTr.mu.Lock()
	got := append([]rtc.Candidate{}, bobTr.candidates...)
	bobTr.mu.Unlock()

	if len(got) != 1 || got[0] != candidate {
		t.Fatalf("callee candidates = %v, want [%v]", got, candidate)
	}
}

func TestHangupTearsDownBothSides(t *testing.T) {
	ctx := context.Background()
	bus := feed.NewBus()
	store := newFakeCallStore(bus)

	alice := newTestPeer(t, ctx, "alice", store, bus)
	bob := newTestPeer(t, ctx, "bob", store, bus)

	call, err := alice.coordinator.Initiate(ctx, bob.user.ID)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if err := bob.coordinator.Accept(ctx, call.ID); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	if err := alice.coordinator.End(ctx); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	if alice.coordinator.State() != StateIdle {
		t.Errorf("caller state = %q, want idle", alice.coordinator.State())
	}
	if bob.coordinator.State() != StateIdle {
		t.Errorf("receiver state = %q, want idle", bob.coordinator.State())
	}

	if !alice.transports[0].snapshot().closed {
		t.Error("caller transport left open")
	}
	if !bob.transports[0].snapshot().closed {
		t.Error("receiver transport left open")
	}

	stored, _ := store.GetCallByID(ctx, call.ID)
	if stored.Status != db.CallStatusEnded {
		t.Errorf("stored status = %q, want ended", stored.Status)
	}
}

func TestEndCleansUpEvenWhenStoreFails(t *testing.T) {
	ctx := context.Background()
	bus := feed.NewBus()
	store := newFakeCallStore(bus)

	alice := newTestPeer(t, ctx, "alice", store, bus)
	bob := newTestPeer(t, ctx, "bob", store, bus)

	call, err := alice.coordinator.Initiate(ctx, bob.user.ID)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if err := bob.coordinator.Accept(ctx, call.ID); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	store.failUpdate = true
	if err := alice.coordinator.End(ctx); err == nil {
		t.Fatal("End() hid the store failure")
	}

	if alice.coordinator.State() != StateIdle {
		t.Errorf("caller state = %q, want idle despite store failure", alice.coordinator.State())
	}
	if !alice.transports[0].snapshot().closed {
		t.Error("caller transport left open despite store failure")
	}
}

func TestEndRingingOutCancelsCall(t *testing.T) {
	ctx := context.Background()
	bus := feed.NewBus()
	store := newFakeCallStore(bus)

	alice := newTestPeer(t, ctx, "alice", store, bus)
	bob := newTestPeer(t, ctx, "bob", store, bus)

	call, err := alice.coordinator.Initiate(ctx, bob.user.ID)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	if err := alice.coordinator.End(ctx); err != nil {
		t.Fatalf("End() while ringing error = %v", err)
	}

	stored, _ := store.GetCallByID(ctx, call.ID)
	if stored.Status != db.CallStatusEnded {
		t.Errorf("stored status = %q, want ended", stored.Status)
	}
	if bob.coordinator.State() != StateIdle {
		t.Errorf("receiver state = %q, want idle after cancelled ring", bob.coordinator.State())
	}
}
