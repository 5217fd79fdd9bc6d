// Package rtc is the peer audio transport used once a call is accepted.
// Signaling (who calls whom, accept/reject) lives elsewhere; this package
// only negotiates a datagram path between two peers and moves audio
// frames over it. The negotiation is the usual two-party exchange:
// offer from the initiator, answer from the responder, candidates
// trickled both ways. A Transport has no notion of caller vs callee.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	DescriptionOffer  = "offer"
	DescriptionAnswer = "answer"

	CandidateHost      = "host"
	CandidateReflexive = "reflexive"
)

// Candidate is one address a peer may be reachable at
type Candidate struct {
	Addr string `json:"addr"`
	Kind string `json:"kind"`
}

// Description announces a session and the initially known candidates.
// More candidates may trickle in afterwards.
type Description struct {
	Type       string      `json:"type"`
	SessionID  uuid.UUID   `json:"session_id"`
	Candidates []Candidate `json:"candidates,omitempty"`
}

// AudioSource supplies outgoing audio frames. Capture hardware is
// behind this interface so the transport stays testable.
type AudioSource interface {
	// ReadFrame blocks until the next frame is available.
	// Returns io.EOF when the source is exhausted or closed.
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

type Config struct {
	ListenAddress     string
	RendezvousServers []string
}

// Transport owns one UDP socket and the audio source for the duration
// of a single call. Close releases both unconditionally and may be
// called from any state, any number of times.
type Transport struct {
	cfg       Config
	source    AudioSource
	logger    *log.Logger
	sessionID uuid.UUID
	conn      *net.UDPConn

	mu          sync.Mutex
	remote      *net.UDPAddr
	onCandidate func(Candidate)
	onFrame     func([]byte)
	seq         uint32
	sending     bool
	closed      bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func NewTransport(cfg Config, source AudioSource, logger *log.Logger) (*Transport, error) {
	listen := cfg.ListenAddress
	if listen == "" {
		listen = "0.0.0.0:0"
	}

	addr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve listen address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &Transport{
		cfg:       cfg,
		source:    source,
		logger:    logger,
		sessionID: uuid.New(),
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
	}

	t.wg.Add(1)
	go t.readLoop()

	return t, nil
}

// OnCandidate registers the callback fired when a new local candidate
// is discovered (e.g. a reflexive address reported by a rendezvous
// server). Set it before starting negotiation.
func (t *Transport) OnCandidate(fn func(Candidate)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCandidate = fn
}

// OnRemoteFrame registers the callback receiving decoded remote audio
// frames. Runs on the read goroutine.
func (t *Transport) OnRemoteFrame(fn func([]byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFrame = fn
}

// CreateOffer starts negotiation from the initiating side
func (t *Transport) CreateOffer(ctx context.Context) (Description, error) {
	if t.isClosed() {
		return Description{}, fmt.Errorf("transport closed")
	}

	desc := Description{
		Type:       DescriptionOffer,
		SessionID:  t.sessionID,
		Candidates: t.localCandidates(),
	}

	t.gatherReflexive()
	t.startSending()

	return desc, nil
}

// HandleOffer accepts the initiator's offer and produces the answer
func (t *Transport) HandleOffer(ctx context.Context, offer Description) (Description, error) {
	if t.isClosed() {
		return Description{}, fmt.Errorf("transport closed")
	}
	if offer.Type != DescriptionOffer {
		return Description{}, fmt.Errorf("expected offer, got %q", offer.Type)
	}

	for _, c := range offer.Candidates {
		t.probe(c)
	}

	answer := Description{
		Type:       DescriptionAnswer,
		SessionID:  t.sessionID,
		Candidates: t.localCandidates(),
	}

	t.gatherReflexive()
	t.startSending()

	return answer, nil
}

// HandleAnswer applies the responder's answer on the initiating side
func (t *Transport) HandleAnswer(ctx context.Context, answer Description) error {
	if t.isClosed() {
		return fmt.Errorf("transport closed")
	}
	if answer.Type != DescriptionAnswer {
		return fmt.Errorf("expected answer, got %q", answer.Type)
	}

	for _, c := range answer.Candidates {
		t.probe(c)
	}

	return nil
}

// AddCandidate applies one trickled remote candidate
func (t *Transport) AddCandidate(ctx context.Context, c Candidate) error {
	if t.isClosed() {
		return fmt.Errorf("transport closed")
	}

	t.probe(c)
	return nil
}

// Close stops the loops, the socket and the audio source. Safe to call
// on every exit path; repeated calls are no-ops.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		remote := t.remote
		t.mu.Unlock()

		if remote != nil {
			bye := NewPacket(PacketTypeBye, t.sessionID, 0)
			t.send(bye, remote)
		}

		t.cancel()
		_ = t.conn.Close()
		t.closeErr = t.source.Close()
		t.wg.Wait()
	})

	return t.closeErr
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// localCandidates enumerates host candidates for the bound port
func (t *Transport) localCandidates() []Candidate {
	local := t.conn.LocalAddr().(*net.UDPAddr)

	if !local.IP.IsUnspecified() {
		return []Candidate{{Addr: local.String(), Kind: CandidateHost}}
	}

	candidates := []Candidate{}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		t.logger.Warn("Failed to enumerate interfaces", "error", err)
		return candidates
	}

	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP.To4()
		if ip == nil {
			continue
		}
		candidates = append(candidates, Candidate{
			Addr: net.JoinHostPort(ip.String(), fmt.Sprintf("%d", local.Port)),
			Kind: CandidateHost,
		})
	}

	return candidates
}

// gatherReflexive asks every configured rendezvous server for our
// externally visible address. Responses arrive on the read loop and
// surface through the OnCandidate callback. Best effort.
func (t *Transport) gatherReflexive() {
	for _, server := range t.cfg.RendezvousServers {
		addr, err := net.ResolveUDPAddr("udp", server)
		if err != nil {
			t.logger.Debug("Skipping rendezvous server", "server", server, "error", err)
			continue
		}

		binding := NewPacket(PacketTypeBinding, t.sessionID, 0)
		t.send(binding, addr)
	}
}

// probe pings a remote candidate; whichever one answers first becomes
// the selected path.
func (t *Transport) probe(c Candidate) {
	addr, err := net.ResolveUDPAddr("udp", c.Addr)
	if err != nil {
		t.logger.Debug("Skipping unresolvable candidate", "addr", c.Addr, "error", err)
		return
	}

	ping := NewPacket(PacketTypePing, t.sessionID, 0)
	t.send(ping, addr)
}

// startSending begins draining the audio source towards the selected
// remote. Frames read before a path is selected are dropped.
func (t *Transport) startSending() {
	t.mu.Lock()
	if t.sending || t.closed {
		t.mu.Unlock()
		return
	}
	t.sending = true
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		for {
			frame, err := t.source.ReadFrame(t.ctx)
			if err != nil {
				if !errors.Is(err, io.EOF) && t.ctx.Err() == nil {
					t.logger.Error("Audio source failed", "error", err)
				}
				return
			}

			t.mu.Lock()
			remote := t.remote
			t.seq++
			seq := t.seq
			t.mu.Unlock()

			if remote == nil {
				continue
			}

			p := NewPacket(PacketTypeAudioFrame, t.sessionID, seq)
			p.Payload = frame
			t.send(p, remote)
		}
	}()
}

func (t *Transport) readLoop() {
	defer t.wg.Done()

	buffer := make([]byte, MaxPacketSize)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := t.conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if t.ctx.Err() != nil || t.isClosed() {
				return
			}
			t.logger.Error("Error reading from UDP", "error", err)
			continue
		}

		packet, err := Unmarshal(buffer[:n])
		if err != nil {
			t.logger.Warn("Dropping malformed packet", "error", err, "from", addr)
			continue
		}

		t.handlePacket(packet, addr)
	}
}

func (t *Transport) handlePacket(p *Packet, addr *net.UDPAddr) {
	switch p.Type {
	case PacketTypePing:
		t.adopt(addr)
		pong := NewPacket(PacketTypePong, t.sessionID, p.Seq)
		t.send(pong, addr)

	case PacketTypePong:
		t.adopt(addr)

	case PacketTypeAudioFrame:
		t.adopt(addr)
		t.mu.Lock()
		fn := t.onFrame
		t.mu.Unlock()
		if fn != nil {
			fn(p.Payload)
		}

	case PacketTypeBinding:
		// Act as a rendezvous responder: report the observed source address
		ack := NewPacket(PacketTypeBindingAck, t.sessionID, p.Seq)
		ack.Payload = []byte(addr.String())
		t.send(ack, addr)

	case PacketTypeBindingAck:
		t.mu.Lock()
		fn := t.onCandidate
		t.mu.Unlock()
		if fn != nil {
			fn(Candidate{Addr: string(p.Payload), Kind: CandidateReflexive})
		}

	case PacketTypeBye:
		t.logger.Debug("Peer hung up", "from", addr)

	default:
		t.logger.Warn("Unknown packet type", "type", p.Type, "from", addr)
	}
}

// adopt selects the most recently heard-from peer address
func (t *Transport) adopt(addr *net.UDPAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote = addr
}

func (t *Transport) send(p *Packet, addr *net.UDPAddr) {
	data, err := p.Marshal()
	if err != nil {
		t.logger.Error("Failed to marshal packet", "error", err)
		return
	}

	if _, err := t.conn.WriteToUDP(data, addr); err != nil && !t.isClosed() {
		t.logger.Debug("Failed to send packet", "error", err, "to", addr)
	}
}
