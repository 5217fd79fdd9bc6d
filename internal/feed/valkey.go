package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/valkey-io/valkey-go"
)

const channelPrefix = "changes:"

func newClient(addr, password string) (valkey.Client, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
		Password:    password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pingCmd := client.B().Ping().Build()
	if err := client.Do(ctx, pingCmd).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping valkey: %w", err)
	}

	return client, nil
}

// Publisher pushes change events into valkey pub/sub, one channel per table
type Publisher struct {
	client valkey.Client
}

func NewPublisher(addr, password string) (*Publisher, error) {
	client, err := newClient(addr, password)
	if err != nil {
		return nil, err
	}
	return &Publisher{client: client}, nil
}

func (p *Publisher) Notify(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pubCmd := p.client.B().Publish().
		Channel(channelPrefix + ev.Table).
		Message(string(data)).
		Build()

	if err := p.client.Do(ctx, pubCmd).Error(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

func (p *Publisher) Close() {
	p.client.Close()
}

// Mux holds one subscriber connection to valkey and demultiplexes
// incoming change events to per-table handlers.
type Mux struct {
	client valkey.Client
	logger *log.Logger

	mu     sync.Mutex
	subs   map[string]map[int]subscription
	nextID int

	cancel context.CancelFunc
	done   chan struct{}
}

type subscription struct {
	kinds   []EventKind
	handler Handler
}

func NewMux(addr, password string, logger *log.Logger) (*Mux, error) {
	client, err := newClient(addr, password)
	if err != nil {
		return nil, err
	}

	return &Mux{
		client: client,
		logger: logger,
		subs:   make(map[string]map[int]subscription),
		done:   make(chan struct{}),
	}, nil
}

// Start opens the pattern subscription and begins dispatching.
// It returns immediately; events flow until Close or ctx cancellation.
func (m *Mux) Start(ctx context.Context) {
	rctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	go func() {
		defer close(m.done)

		subCmd := m.client.B().Psubscribe().Pattern(channelPrefix + "*").Build()
		err := m.client.Receive(rctx, subCmd, m.dispatch)
		if err != nil && rctx.Err() == nil {
			m.logger.Error("Feed subscription terminated", "error", err)
		}
	}()
}

func (m *Mux) dispatch(msg valkey.PubSubMessage) {
	var ev Event
	if err := json.Unmarshal([]byte(msg.Message), &ev); err != nil {
		m.logger.Warn("Dropping malformed feed event", "channel", msg.Channel, "error", err)
		return
	}

	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.subs[ev.Table]))
	for _, sub := range m.subs[ev.Table] {
		if kindMatches(sub.kinds, ev.Kind) {
			handlers = append(handlers, sub.handler)
		}
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (m *Mux) Subscribe(table string, kinds []EventKind, h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subs[table] == nil {
		m.subs[table] = make(map[int]subscription)
	}

	id := m.nextID
	m.nextID++
	m.subs[table][id] = subscription{kinds: kinds, handler: h}

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[table], id)
	}
}

// Close tears down the subscriber connection and waits for dispatch to stop
func (m *Mux) Close() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.client.Close()
}
