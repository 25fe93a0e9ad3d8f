package ws

import (
	"encoding/json"
	"time"

	"log/slog"

	"github.com/splax/ledgerd/internal/domain"
	"github.com/splax/ledgerd/internal/service/market"
)

// MarketTopic is the shared stream carrying quote board updates.
const MarketTopic = "market"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by topic. Account updates stream on the
// owning username's topic; quote updates stream on MarketTopic.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message

	logger *slog.Logger
}

type message struct {
	topic   string
	payload []byte
}

type subscription struct {
	topic  string
	client Subscriber
}

// NewHub creates an initialized Hub and starts its dispatch loop.
func NewHub(logger *slog.Logger) *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
		logger:    logger,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.topic]; !ok {
				h.clients[sub.topic] = make(map[Subscriber]struct{})
			}
			h.clients[sub.topic][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.topic]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.topic)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.topic]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.topic)
				}
			}
		}
	}
}

// Register adds a client to a topic stream.
func (h *Hub) Register(topic string, client Subscriber) {
	h.register <- subscription{topic: topic, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(topic string, client Subscriber) {
	h.unreg <- subscription{topic: topic, client: client}
}

// Broadcast sends payload to all topic clients.
func (h *Hub) Broadcast(topic string, payload []byte) {
	h.broadcast <- message{topic: topic, payload: payload}
}

// PublishAccounts fans each account summary out to its owner's stream.
// Credential material never crosses the wire.
func (h *Hub) PublishAccounts(accounts []domain.Account) {
	now := time.Now().UTC()
	for i := range accounts {
		acct := &accounts[i]
		payload, err := json.Marshal(map[string]any{
			"type":         "account",
			"username":     acct.Username,
			"cash_balance": acct.CashBalance,
			"loan_balance": acct.LoanBalance,
			"holdings":     acct.Holdings,
			"as_of":        now.Format(time.RFC3339Nano),
		})
		if err != nil {
			if h.logger != nil {
				h.logger.Warn("failed to marshal account update", "error", err)
			}
			continue
		}
		h.Broadcast(acct.Username, payload)
	}
}

// PublishQuotes sends the full quote board to market stream clients.
func (h *Hub) PublishQuotes(quotes []market.Quote) {
	payload, err := json.Marshal(map[string]any{
		"type":   "quotes",
		"quotes": quotes,
	})
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("failed to marshal quote board", "error", err)
		}
		return
	}
	h.Broadcast(MarketTopic, payload)
}
