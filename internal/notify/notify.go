// Package notify publishes ledger commits on Redis Pub/Sub so that other
// processes (and `opbalance watch`) can follow a tuning run live.
//
// Channels and keys are namespaced by the ledger name:
//
//	opbalance:{ledger_name}:ledger_events   Pub/Sub channel, one JSON CommitEvent per commit
//	opbalance:{ledger_name}:commit_seq      counter of published commits
//
// Delivery is at-most-once. The ledger file stays the source of truth.
package notify

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/dyluth/opbalance/pkg/ledger"
	"github.com/redis/go-redis/v9"
)

// CommitEvent is the wire form of a ledger commit.
type CommitEvent struct {
	Name          string   `json:"name"`
	Sequence      int64    `json:"seq"`
	Ledger        string   `json:"ledger"`
	Instance      string   `json:"instance"`
	Keys          []string `json:"keys"`
	Reason        string   `json:"reason"`
	Owner         string   `json:"owner"`
	Rows          int      `json:"rows"`
	CommittedAtMs int64    `json:"committed_at_ms"`
}

// EventsChannel returns the Pub/Sub channel for a ledger's commit events.
// Pattern: opbalance:{ledger_name}:ledger_events
func EventsChannel(name string) string {
	return fmt.Sprintf("opbalance:%s:ledger_events", name)
}

// SequenceKey returns the Redis key counting published commits.
// Pattern: opbalance:{ledger_name}:commit_seq
func SequenceKey(name string) string {
	return fmt.Sprintf("opbalance:%s:commit_seq", name)
}

// NameForLedger derives the namespace from a ledger path: its base name
// without extension.
func NameForLedger(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Client publishes and subscribes to one ledger's commit events. It is safe
// for concurrent use.
type Client struct {
	rdb  *redis.Client
	name string
}

// NewClient creates a client for the named ledger.
// Returns an error if name is empty.
func NewClient(redisOpts *redis.Options, name string) (*Client, error) {
	if name == "" {
		return nil, fmt.Errorf("ledger name cannot be empty")
	}
	return &Client{rdb: redis.NewClient(redisOpts), name: name}, nil
}

// NewClientFromURL parses a redis:// URL and creates a client.
func NewClientFromURL(url, name string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewClient(opts, name)
}

// Name returns the ledger namespace.
func (c *Client) Name() string { return c.name }

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// LedgerCommitted implements ledger.Observer: it numbers the commit and
// publishes it.
func (c *Client) LedgerCommitted(ctx context.Context, ev ledger.CommitEvent) error {
	seq, err := c.rdb.Incr(ctx, SequenceKey(c.name)).Result()
	if err != nil {
		return fmt.Errorf("failed to number commit event: %w", err)
	}

	out := CommitEvent{
		Name:          c.name,
		Sequence:      seq,
		Ledger:        ev.Ledger,
		Instance:      instanceOf(ev.Keys),
		Keys:          ev.Keys,
		Reason:        ev.Reason,
		Owner:         ev.Owner,
		Rows:          ev.Rows,
		CommittedAtMs: ev.CommittedAtMs,
	}
	return c.Publish(ctx, &out)
}

// Publish sends an already-built event.
func (c *Client) Publish(ctx context.Context, ev *CommitEvent) error {
	payload, err := sonic.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal commit event: %w", err)
	}
	if err := c.rdb.Publish(ctx, EventsChannel(c.name), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish commit event: %w", err)
	}
	return nil
}

// Published returns how many commits have been numbered so far.
func (c *Client) Published(ctx context.Context) (int64, error) {
	n, err := c.rdb.Get(ctx, SequenceKey(c.name)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read commit sequence: %w", err)
	}
	return n, nil
}

func instanceOf(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	instance, _, _ := strings.Cut(keys[0], "/")
	return instance
}

// Subscription is an active subscription to commit events.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan *CommitEvent
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of commit events. It is closed when the
// subscription is closed or its context is cancelled.
func (s *Subscription) Events() <-chan *CommitEvent {
	return s.events
}

// Errors returns non-fatal subscription errors; undecodable messages are
// reported here and skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe subscribes to the ledger's commit events. The subscription is
// confirmed before Subscribe returns, so no event published afterwards is
// missed.
//
// Events are delivered on a buffered channel (size 10).
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, EventsChannel(c.name))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to commit events: %w", err)
	}

	eventsChan := make(chan *CommitEvent, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var ev CommitEvent
				if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal commit event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}
