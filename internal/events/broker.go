package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	redisclient "github.com/fleetcheck/validator-server-go/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second
)

// Event types emitted by the validation engine.
const (
	TypeQuestion     = "question"
	TypeOutcome      = "outcome"
	TypeAttempt      = "attempt"
	TypePollState    = "poll_state"
	TypeCommandState = "command_state"
	TypeCountdown    = "countdown"
	TypeDiagnostic   = "diagnostic"
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Client struct {
	SessionKey string
	Events     chan Event
	Done       chan struct{}
}

// Publisher is the engine-facing side of the broker.
type Publisher interface {
	Publish(ctx context.Context, sessionKey string, eventType string, data any) error
}

// Broker fans engine events out to connected technician UIs, using redis
// pubsub so any server instance can deliver events for any session.
type Broker struct {
	redis   *redisclient.Client
	clients map[string]map[*Client]bool // sessionKey -> set of clients
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:   redisClient,
		clients: make(map[string]map[*Client]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *Broker) Subscribe(sessionKey string) *Client {
	client := &Client{
		SessionKey: sessionKey,
		Events:     make(chan Event, 100),
		Done:       make(chan struct{}),
	}

	b.mu.Lock()
	if b.clients[sessionKey] == nil {
		b.clients[sessionKey] = make(map[*Client]bool)
		go b.subscribeToRedis(sessionKey)
	}
	b.clients[sessionKey][client] = true
	clientCount := len(b.clients[sessionKey])
	b.mu.Unlock()

	log.Info().
		Str("sessionKey", sessionKey).
		Int("clientCount", clientCount).
		Msg("event client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if clients, ok := b.clients[client.SessionKey]; ok {
		delete(clients, client)
		close(client.Done)

		if len(clients) == 0 {
			delete(b.clients, client.SessionKey)
		}

		log.Info().
			Str("sessionKey", client.SessionKey).
			Int("clientCount", len(clients)).
			Msg("event client unsubscribed")
	}
}

func (b *Broker) Publish(ctx context.Context, sessionKey string, eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(Event{Type: eventType, Data: payload})
	if err != nil {
		return err
	}

	channel := redisclient.ValidationChannel(sessionKey)
	return b.redis.Publish(ctx, channel, raw).Err()
}

func (b *Broker) subscribeToRedis(sessionKey string) {
	channel := redisclient.ValidationChannel(sessionKey)
	pubsub := b.redis.Subscribe(b.ctx, channel)
	defer pubsub.Close()

	log.Debug().
		Str("sessionKey", sessionKey).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-b.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(sessionKey, event)
		}
	}
}

func (b *Broker) broadcast(sessionKey string, event Event) {
	b.mu.RLock()
	clients := b.clients[sessionKey]
	b.mu.RUnlock()

	for client := range clients {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("sessionKey", sessionKey).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, clients := range b.clients {
		for client := range clients {
			close(client.Done)
		}
	}
	b.clients = make(map[string]map[*Client]bool)
}

func (b *Broker) ClientCount(sessionKey string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[sessionKey])
}
