// Package call runs the voice-call lifecycle for one client: dialing,
// ringing, accept/reject, hangup, and the offer/answer/candidate relay
// that lets the two peers negotiate an audio path. The shared store is
// the single source of truth for call state; the coordinator reacts to
// its change events and never trusts local state over a fetched row.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/rx3lixir/boltalka/internal/db"
	"github.com/rx3lixir/boltalka/internal/feed"
	"github.com/rx3lixir/boltalka/internal/rtc"
	"github.com/rx3lixir/boltalka/internal/session"
)

type State string

const (
	StateIdle       State = "idle"
	StateRingingOut State = "ringing-out"
	StateRingingIn  State = "ringing-in"
	StateInCall     State = "in-call"
)

type CallStore interface {
	CreateCall(ctx context.Context, callerID, receiverID uuid.UUID) (*db.ActiveCall, error)
	GetCallByID(ctx context.Context, id uuid.UUID) (*db.ActiveCall, error)
	UpdateCallStatus(ctx context.Context, id uuid.UUID, from, to string) error
	CreateCallSignal(ctx context.Context, sig *db.CallSignal) error
	GetCallSignals(ctx context.Context, callID uuid.UUID, after time.Time, excludeSenderID uuid.UUID) ([]*db.CallSignal, error)
}

type UserStore interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*db.User, error)
}

// Transport is the media-path half of a call, created fresh per call
// and closed on every exit path.
type Transport interface {
	CreateOffer(ctx context.Context) (rtc.Description, error)
	HandleOffer(ctx context.Context, offer rtc.Description) (rtc.Description, error)
	HandleAnswer(ctx context.Context, answer rtc.Description) error
	AddCandidate(ctx context.Context, c rtc.Candidate) error
	OnCandidate(fn func(rtc.Candidate))
	Close() error
}

// TransportFactory builds the transport for one call
type TransportFactory func() (Transport, error)

// IncomingCall is a ringing call waiting for the local user's decision
type IncomingCall struct {
	Call   *db.ActiveCall
	Caller *db.User
}

// Coordinator is the per-client call state machine. At most one call
// is active at a time; a newer incoming ring replaces an unanswered one.
type Coordinator struct {
	calls        CallStore
	users        UserStore
	session      *session.Session
	logger       *log.Logger
	newTransport TransportFactory

	mu           sync.Mutex
	state        State
	active       *db.ActiveCall
	incoming     *IncomingCall
	transport    Transport
	signalsAfter time.Time
}

func NewCoordinator(calls CallStore, users UserStore, sess *session.Session, logger *log.Logger, factory TransportFactory) *Coordinator {
	return &Coordinator{
		calls:        calls,
		users:        users,
		session:      sess,
		logger:       logger,
		newTransport: factory,
		state:        StateIdle,
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Active() *db.ActiveCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Coordinator) Incoming() *IncomingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.incoming
}

// Initiate dials another user. Allowed only when idle; the state
// advances to ringing-out only after the store accepted the row, so a
// failed write leaves the coordinator idle. The idle check is repeated
// when committing: the store write runs unlocked, and a dial or ring
// that landed in between wins, with the superseded row closed out.
func (c *Coordinator) Initiate(ctx context.Context, receiverID uuid.UUID) (*db.ActiveCall, error) {
	selfID, ok := c.session.UserID()
	if !ok {
		return nil, session.ErrNotAuthenticated
	}

	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("cannot initiate a call while %s", state)
	}
	c.mu.Unlock()

	call, err := c.calls.CreateCall(ctx, selfID, receiverID)
	if err != nil {
		return nil, fmt.Errorf("failed to initiate call: %w", err)
	}

	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		if uerr := c.calls.UpdateCallStatus(ctx, call.ID, db.CallStatusRinging, db.CallStatusEnded); uerr != nil {
			c.logger.Warn("Failed to end superseded call", "id", call.ID, "error", uerr)
		}
		return nil, fmt.Errorf("cannot initiate a call while %s", state)
	}
	c.state = StateRingingOut
	c.active = call
	c.signalsAfter = call.CreatedAt
	c.mu.Unlock()

	return call, nil
}

// Accept answers the ringing incoming call. The transport is created
// first so a failure on either step leaves the row ringing and the
// local state ringing-in, and Accept can simply be retried; the
// caller's offer arrives through the signal relay once it observes the
// accepted status.
func (c *Coordinator) Accept(ctx context.Context, callID uuid.UUID) error {
	c.mu.Lock()
	if c.state != StateRingingIn || c.incoming == nil || c.incoming.Call.ID != callID {
		c.mu.Unlock()
		return fmt.Errorf("no ringing call %s to accept", callID)
	}
	call := c.incoming.Call
	c.mu.Unlock()

	transport, err := c.newTransport()
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	transport.OnCandidate(c.publishCandidate(call.ID))

	if err := c.calls.UpdateCallStatus(ctx, callID, db.CallStatusRinging, db.CallStatusAccepted); err != nil {
		if cerr := transport.Close(); cerr != nil {
			c.logger.Warn("Failed to close transport", "error", cerr)
		}
		return fmt.Errorf("failed to accept call: %w", err)
	}

	c.mu.Lock()
	c.state = StateInCall
	c.active = call
	c.incoming = nil
	c.transport = transport
	c.signalsAfter = call.CreatedAt
	c.mu.Unlock()

	// The offer may have landed before the transport was in place
	c.applySignals(ctx)

	return nil
}

// Reject declines the ringing incoming call
func (c *Coordinator) Reject(ctx context.Context, callID uuid.UUID) error {
	c.mu.Lock()
	if c.state != StateRingingIn || c.incoming == nil || c.incoming.Call.ID != callID {
		c.mu.Unlock()
		return fmt.Errorf("no ringing call %s to reject", callID)
	}
	c.state = StateIdle
	c.incoming = nil
	c.mu.Unlock()

	if err := c.calls.UpdateCallStatus(ctx, callID, db.CallStatusRinging, db.CallStatusRejected); err != nil {
		return fmt.Errorf("failed to reject call: %w", err)
	}

	return nil
}

// End hangs up the active or still-ringing outbound call. Local
// cleanup happens regardless of whether the status write succeeds, so
// a flaky store never wedges the client in a phantom call.
func (c *Coordinator) End(ctx context.Context) error {
	c.mu.Lock()

	var from string
	switch c.state {
	case StateInCall:
		from = db.CallStatusAccepted
	case StateRingingOut:
		from = db.CallStatusRinging
	default:
		c.mu.Unlock()
		return fmt.Errorf("no call to end")
	}

	call := c.active
	transport := c.transport
	c.state = StateIdle
	c.active = nil
	c.incoming = nil
	c.transport = nil
	c.mu.Unlock()

	if transport != nil {
		if err := transport.Close(); err != nil {
			c.logger.Warn("Failed to close transport", "error", err)
		}
	}

	if err := c.calls.UpdateCallStatus(ctx, call.ID, from, db.CallStatusEnded); err != nil {
		return fmt.Errorf("failed to end call: %w", err)
	}

	return nil
}

// Bind subscribes the coordinator to call and signal change events.
// Returns a function releasing both subscriptions.
func (c *Coordinator) Bind(ctx context.Context, src feed.Source) func() {
	unsubCalls := src.Subscribe(feed.TableActiveCalls, nil, func(ev feed.Event) {
		c.handleCallEvent(ctx, ev)
	})
	unsubSignals := src.Subscribe(feed.TableCallSignals, []feed.EventKind{feed.EventInsert}, func(ev feed.Event) {
		c.applySignals(ctx)
	})

	return func() {
		unsubCalls()
		unsubSignals()
	}
}

func (c *Coordinator) handleCallEvent(ctx context.Context, ev feed.Event) {
	selfID, ok := c.session.UserID()
	if !ok {
		return
	}

	call, err := c.calls.GetCallByID(ctx, ev.RowID)
	if err != nil {
		c.logger.Warn("Failed to fetch call", "id", ev.RowID, "error", err)
		return
	}

	switch {
	case call.Status == db.CallStatusRinging && call.ReceiverID == selfID:
		c.surfaceIncoming(ctx, call)

	case call.Status == db.CallStatusAccepted && call.CallerID == selfID:
		c.startOutbound(ctx, call)

	case call.Status == db.CallStatusRejected || call.Status == db.CallStatusEnded:
		c.teardown(call.ID)
	}
}

// surfaceIncoming presents a ringing call to the local user. A newer
// ring replaces an unanswered older one; an established call wins over
// any ring.
func (c *Coordinator) surfaceIncoming(ctx context.Context, call *db.ActiveCall) {
	caller, err := c.users.GetUserByID(ctx, call.CallerID)
	if err != nil {
		c.logger.Warn("Failed to fetch caller", "id", call.CallerID, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateInCall || c.state == StateRingingOut {
		return
	}

	c.state = StateRingingIn
	c.incoming = &IncomingCall{Call: call, Caller: caller}
}

// startOutbound runs on the calling side once the callee accepted:
// bring up the transport, publish the offer, start trickling candidates.
func (c *Coordinator) startOutbound(ctx context.Context, call *db.ActiveCall) {
	c.mu.Lock()
	if c.state != StateRingingOut || c.active == nil || c.active.ID != call.ID {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	transport, err := c.newTransport()
	if err != nil {
		c.logger.Error("Failed to create transport", "error", err)
		return
	}
	transport.OnCandidate(c.publishCandidate(call.ID))

	c.mu.Lock()
	c.state = StateInCall
	c.transport = transport
	c.mu.Unlock()

	offer, err := transport.CreateOffer(ctx)
	if err != nil {
		c.logger.Error("Failed to create offer", "error", err)
		return
	}

	if err := c.publishSignal(ctx, call.ID, db.SignalKindOffer, offer); err != nil {
		c.logger.Error("Failed to publish offer", "error", err)
		return
	}

	// Catch the answer in case it raced the transport commit
	c.applySignals(ctx)
}

// teardown reacts to the counterpart rejecting or hanging up
func (c *Coordinator) teardown(callID uuid.UUID) {
	c.mu.Lock()

	ours := (c.active != nil && c.active.ID == callID) ||
		(c.incoming != nil && c.incoming.Call.ID == callID)
	if !ours {
		c.mu.Unlock()
		return
	}

	transport := c.transport
	c.state = StateIdle
	c.active = nil
	c.incoming = nil
	c.transport = nil
	c.mu.Unlock()

	if transport != nil {
		if err := transport.Close(); err != nil {
			c.logger.Warn("Failed to close transport", "error", err)
		}
	}
}

// applySignals fetches the counterpart's signals newer than the last
// applied one and feeds them to the transport. The cursor advances
// before applying so a re-entrant feed event never replays a signal.
func (c *Coordinator) applySignals(ctx context.Context) {
	selfID, ok := c.session.UserID()
	if !ok {
		return
	}

	c.mu.Lock()
	if c.active == nil || c.transport == nil {
		c.mu.Unlock()
		return
	}
	callID := c.active.ID
	after := c.signalsAfter
	c.mu.Unlock()

	signals, err := c.calls.GetCallSignals(ctx, callID, after, selfID)
	if err != nil {
		c.logger.Warn("Failed to fetch call signals", "error", err)
		return
	}
	if len(signals) == 0 {
		return
	}

	c.mu.Lock()
	if c.active == nil || c.active.ID != callID {
		c.mu.Unlock()
		return
	}
	if last := signals[len(signals)-1].CreatedAt; last.After(c.signalsAfter) {
		c.signalsAfter = last
	}
	transport := c.transport
	c.mu.Unlock()

	for _, sig := range signals {
		if err := c.applySignal(ctx, transport, sig); err != nil {
			c.logger.Warn("Failed to apply call signal", "kind", sig.Kind, "error", err)
		}
	}
}

func (c *Coordinator) applySignal(ctx context.Context, transport Transport, sig *db.CallSignal) error {
	switch sig.Kind {
	case db.SignalKindOffer:
		var offer rtc.Description
		if err := json.Unmarshal(sig.Payload, &offer); err != nil {
			return fmt.Errorf("failed to decode offer: %w", err)
		}
		answer, err := transport.HandleOffer(ctx, offer)
		if err != nil {
			return err
		}
		return c.publishSignal(ctx, sig.CallID, db.SignalKindAnswer, answer)

	case db.SignalKindAnswer:
		var answer rtc.Description
		if err := json.Unmarshal(sig.Payload, &answer); err != nil {
			return fmt.Errorf("failed to decode answer: %w", err)
		}
		return transport.HandleAnswer(ctx, answer)

	case db.SignalKindCandidate:
		var candidate rtc.Candidate
		if err := json.Unmarshal(sig.Payload, &candidate); err != nil {
			return fmt.Errorf("failed to decode candidate: %w", err)
		}
		return transport.AddCandidate(ctx, candidate)

	default:
		return fmt.Errorf("unknown signal kind: %s", sig.Kind)
	}
}

func (c *Coordinator) publishSignal(ctx context.Context, callID uuid.UUID, kind string, payload any) error {
	selfID, ok := c.session.UserID()
	if !ok {
		return session.ErrNotAuthenticated
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", kind, err)
	}

	return c.calls.CreateCallSignal(ctx, &db.CallSignal{
		CallID:   callID,
		SenderID: selfID,
		Kind:     kind,
		Payload:  data,
	})
}

// publishCandidate returns the OnCandidate hook persisting locally
// discovered candidates for the counterpart. Runs off the transport's
// read goroutine, so it uses a background context.
func (c *Coordinator) publishCandidate(callID uuid.UUID) func(rtc.Candidate) {
	return func(candidate rtc.Candidate) {
		if err := c.publishSignal(context.Background(), callID, db.SignalKindCandidate, candidate); err != nil {
			c.logger.Warn("Failed to publish candidate", "error", err)
		}
	}
}
