package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confidentialscore/internal/identity"
	"confidentialscore/internal/ledger"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func event(ledgerAddr identity.Address, seq uint64) ledger.Event {
	return ledger.Event{
		Ledger:      ledgerAddr,
		Participant: identity.ContractAddress("participant", seq),
		Timestamp:   time.Unix(int64(seq), 0).UTC(),
		Seq:         seq,
	}
}

func TestSinceFiltersByLedgerAndSeq(t *testing.T) {
	a := identity.ContractAddress("ledger", 1)
	b := identity.ContractAddress("ledger", 2)
	h := NewHub("hub", WithLogger(quietLogger()))

	for seq := uint64(1); seq <= 4; seq++ {
		h.Notify(event(a, seq))
	}
	h.Notify(event(b, 1))

	got := h.Since(a, 2)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(3), got[0].Seq)
	assert.Equal(t, uint64(4), got[1].Seq)
	assert.Len(t, h.Since(b, 0), 1)
	assert.Empty(t, h.Since(a, 4))
}

func TestRingKeepsMostRecent(t *testing.T) {
	a := identity.ContractAddress("ledger", 1)
	h := NewHub("hub", WithCapacity(3), WithLogger(quietLogger()))
	for seq := uint64(1); seq <= 5; seq++ {
		h.Notify(event(a, seq))
	}
	got := h.Since(a, 0)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[0].Seq)
}

func TestSubscribe(t *testing.T) {
	a := identity.ContractAddress("ledger", 1)
	h := NewHub("hub", WithLogger(quietLogger()))

	ch, cancel := h.Subscribe(1)
	h.Notify(event(a, 1))
	h.Notify(event(a, 2)) // buffer full, dropped for this subscriber

	e := <-ch
	assert.Equal(t, uint64(1), e.Seq)
	assert.Equal(t, uint64(1), h.Dropped())

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	// no subscribers left, Notify must not panic on a closed channel
	h.Notify(event(a, 3))
}

func TestWebhookDelivery(t *testing.T) {
	a := identity.ContractAddress("ledger", 1)

	var mu sync.Mutex
	var got []ledger.Event
	received := make(chan struct{}, 4)

	recv := NewReceiver(quietLogger())
	recv.RegisterHandler(TypeScoreSubmitted, func(m Message) {
		var e ledger.Event
		if err := m.Decode(&e); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		assert.Equal(t, "hub", m.SenderID)
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		received <- struct{}{}
	})
	srv := httptest.NewServer(recv.Mux())
	defer srv.Close()

	h := NewHub("hub", WithLogger(quietLogger()), WithPeers(map[string]string{"peer": srv.URL}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	h.Notify(event(a, 7))
	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}

	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(7), got[0].Seq)
	assert.Equal(t, a, got[0].Ledger)
	mu.Unlock()

	require.Eventually(t, func() bool { return h.Delivered() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestSendMessageErrors(t *testing.T) {
	h := NewHub("hub", WithLogger(quietLogger()))
	err := h.SendMessage(context.Background(), "nobody", TypeScoreSubmitted, struct{}{})
	assert.ErrorContains(t, err, "not found")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()
	h.AddPeer("bad", srv.URL)
	err = h.SendMessage(context.Background(), "bad", TypeScoreSubmitted, struct{}{})
	assert.ErrorContains(t, err, "non-OK")
}

func TestReceiverRejectsBadRequests(t *testing.T) {
	srv := httptest.NewServer(NewReceiver(quietLogger()).Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/message")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/message", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/message", "application/json", strings.NewReader(`{"type":"other"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
