package ws

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/splax/ledgerd/internal/domain"
	"github.com/splax/ledgerd/internal/service/market"
)

type fakeSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
	sendErr  error
	closed   bool
}

func (f *fakeSubscriber) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeSubscriber) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSubscriber) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBroadcastReachesTopicOnly(t *testing.T) {
	h := testHub()
	alice := &fakeSubscriber{}
	bob := &fakeSubscriber{}
	h.Register("alice", alice)
	h.Register("bob", bob)

	h.Broadcast("alice", []byte("hello"))
	waitFor(t, func() bool { return alice.received() == 1 })
	if bob.received() != 0 {
		t.Fatalf("bob received a message for alice")
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	h := testHub()
	sub := &fakeSubscriber{}
	h.Register("alice", sub)
	h.Broadcast("alice", []byte("one"))
	waitFor(t, func() bool { return sub.received() == 1 })

	h.Unregister("alice", sub)
	h.Broadcast("alice", []byte("two"))
	// A follow-up on another topic proves the loop processed the broadcast.
	other := &fakeSubscriber{}
	h.Register("bob", other)
	h.Broadcast("bob", []byte("three"))
	waitFor(t, func() bool { return other.received() == 1 })
	if sub.received() != 1 {
		t.Fatalf("unregistered subscriber still receiving: %d", sub.received())
	}
}

func TestFailedSendEvictsClient(t *testing.T) {
	h := testHub()
	sub := &fakeSubscriber{sendErr: io.ErrClosedPipe}
	h.Register("alice", sub)
	h.Broadcast("alice", []byte("x"))
	waitFor(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return sub.closed
	})
}

func TestPublishAccountsOmitsCredentials(t *testing.T) {
	h := testHub()
	sub := &fakeSubscriber{}
	h.Register("alice", sub)

	h.PublishAccounts([]domain.Account{{
		Username:     "alice",
		PasswordHash: "supersecret",
		PasswordSalt: "salty",
		CashBalance:  150,
		LoanBalance:  25,
		Holdings:     map[string]int64{"AAPL": 1},
	}})
	waitFor(t, func() bool { return sub.received() == 1 })

	sub.mu.Lock()
	payload := sub.payloads[0]
	sub.mu.Unlock()

	var msg map[string]any
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg["type"] != "account" || msg["username"] != "alice" || msg["cash_balance"].(float64) != 150 {
		t.Fatalf("payload: %v", msg)
	}
	raw := string(payload)
	for _, secret := range []string{"supersecret", "salty", "password"} {
		if strings.Contains(raw, secret) {
			t.Fatalf("credential material leaked: %s", raw)
		}
	}
}

func TestPublishQuotes(t *testing.T) {
	h := testHub()
	sub := &fakeSubscriber{}
	h.Register(MarketTopic, sub)

	h.PublishQuotes([]market.Quote{{Symbol: "AAPL", Price: 151.5}})
	waitFor(t, func() bool { return sub.received() == 1 })

	var msg map[string]any
	sub.mu.Lock()
	payload := sub.payloads[0]
	sub.mu.Unlock()
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg["type"] != "quotes" {
		t.Fatalf("payload: %v", msg)
	}
}
