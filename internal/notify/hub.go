package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"confidentialscore/internal/identity"
	"confidentialscore/internal/ledger"
)

// DefaultCapacity is how many recent events the hub remembers.
const DefaultCapacity = 1024

// Option customizes a Hub.
type Option func(*Hub)

func WithCapacity(n int) Option { return func(h *Hub) { h.capacity = n } }

func WithLogger(l logrus.FieldLogger) Option { return func(h *Hub) { h.log = l } }

func WithHTTPClient(c *http.Client) Option { return func(h *Hub) { h.client = c } }

// WithPeers sets the webhook directory, peer id to base URL.
func WithPeers(peers map[string]string) Option {
	return func(h *Hub) {
		for id, url := range peers {
			h.peers[id] = url
		}
	}
}

// Hub implements ledger.Notifier. Notify never blocks: slow subscribers and a full
// delivery queue lose events, which are still available through Since.
type Hub struct {
	id       string
	capacity int
	log      logrus.FieldLogger
	client   *http.Client

	mu      sync.Mutex
	ring    []ledger.Event
	subs    map[int]chan ledger.Event
	nextSub int
	peers   map[string]string

	queue     chan ledger.Event
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func NewHub(id string, opts ...Option) *Hub {
	h := &Hub{
		id:       id,
		capacity: DefaultCapacity,
		log:      logrus.StandardLogger(),
		client:   &http.Client{Timeout: 5 * time.Second},
		subs:     make(map[int]chan ledger.Event),
		peers:    make(map[string]string),
	}
	for _, o := range opts {
		o(h)
	}
	h.queue = make(chan ledger.Event, h.capacity)
	return h
}

// Notify records e and fans it out.
func (h *Hub) Notify(e ledger.Event) {
	h.mu.Lock()
	h.ring = append(h.ring, e)
	if len(h.ring) > h.capacity {
		h.ring = h.ring[len(h.ring)-h.capacity:]
	}
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
	hasPeers := len(h.peers) > 0
	h.mu.Unlock()

	if hasPeers {
		select {
		case h.queue <- e:
		default:
			h.dropped.Add(1)
			h.log.WithField("seq", e.Seq).Warn("webhook queue full, event not delivered")
		}
	}
}

// Subscribe returns a channel of future events and a cancel function.
func (h *Hub) Subscribe(buffer int) (<-chan ledger.Event, func()) {
	ch := make(chan ledger.Event, buffer)
	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Since returns remembered events of ledgerAddr with Seq greater than after.
func (h *Hub) Since(ledgerAddr identity.Address, after uint64) []ledger.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []ledger.Event
	for _, e := range h.ring {
		if e.Ledger == ledgerAddr && e.Seq > after {
			out = append(out, e)
		}
	}
	return out
}

// AddPeer registers a webhook peer.
func (h *Hub) AddPeer(id, baseURL string) {
	h.mu.Lock()
	h.peers[id] = baseURL
	h.mu.Unlock()
}

// Delivered and Dropped count webhook deliveries and lost events.
func (h *Hub) Delivered() uint64 { return h.delivered.Load() }
func (h *Hub) Dropped() uint64   { return h.dropped.Load() }

// Run delivers queued events to every peer until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-h.queue:
			h.broadcast(ctx, e)
		}
	}
}

func (h *Hub) broadcast(ctx context.Context, e ledger.Event) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		if err := h.SendMessage(ctx, id, TypeScoreSubmitted, e); err != nil {
			h.log.WithError(err).WithField("peer", id).Warn("webhook delivery failed")
			continue
		}
		h.delivered.Add(1)
	}
}

// SendMessage posts one envelope to a peer's /message endpoint.
func (h *Hub) SendMessage(ctx context.Context, targetID, messageType string, payload any) error {
	h.mu.Lock()
	base, ok := h.peers[targetID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("peer '%s' not found in directory", targetID)
	}

	msg, err := NewMessage(h.id, messageType, payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/message", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer returned non-OK status: %s", resp.Status)
	}
	return nil
}
