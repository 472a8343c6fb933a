package sqlstore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/carehub/internal/docstore"
	"go.uber.org/zap"
)

// Notifier relays change notifications between processes sharing one
// database over a Redis pub/sub channel per tenant. Messages this process
// published itself are ignored on receipt since local feeds were already
// woken.
type Notifier struct {
	client  *redis.Client
	channel string
	origin  string
	log     *zap.Logger

	mu     sync.Mutex
	hub    *docstore.Hub
	cancel context.CancelFunc
	done   chan struct{}
}

type changeMessage struct {
	Origin     string `json:"origin"`
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

func NewNotifier(client *redis.Client, tenantID, origin string, log *zap.Logger) *Notifier {
	if client == nil {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		client:  client,
		channel: "carehub:" + strings.TrimSpace(tenantID) + ":changes",
		origin:  origin,
		log:     log.Named("docstore.notifier"),
	}
}

func (n *Notifier) attach(hub *docstore.Hub) {
	n.mu.Lock()
	n.hub = hub
	n.mu.Unlock()
}

func (n *Notifier) Notify(ctx context.Context, collection, id string) error {
	payload, err := json.Marshal(changeMessage{Origin: n.origin, Collection: collection, ID: id})
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, payload).Err()
}

// Start subscribes to the tenant channel. It returns once the subscription
// is confirmed so no change published afterwards is missed.
func (n *Notifier) Start(ctx context.Context) error {
	pubsub := n.client.Subscribe(ctx, n.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	n.mu.Lock()
	n.cancel = cancel
	n.done = done
	n.mu.Unlock()

	go func() {
		defer close(done)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-runCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				n.handle(msg.Payload)
			}
		}
	}()
	return nil
}

func (n *Notifier) Stop() {
	n.mu.Lock()
	cancel, done := n.cancel, n.done
	n.cancel, n.done = nil, nil
	n.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (n *Notifier) handle(payload string) {
	var msg changeMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		n.log.Warn("invalid change message", zap.Error(err))
		return
	}
	if msg.Origin == n.origin || msg.Collection == "" {
		return
	}

	n.mu.Lock()
	hub := n.hub
	n.mu.Unlock()
	hub.Publish(docstore.CollectionKey(msg.Collection))
	if msg.ID != "" {
		hub.Publish(docstore.DocumentKey(msg.Collection, msg.ID))
	}
}
