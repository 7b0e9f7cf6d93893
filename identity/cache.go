package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/nativebridge/contracts"
	"github.com/glimte/nativebridge/messaging"
)

// Cache maps uin to uid and back
type Cache struct {
	subscriber     messaging.EventSubscriber
	invoker        messaging.Invoker
	logger         *slog.Logger
	refreshTimeout time.Duration

	mu         sync.RWMutex
	uinToUid   map[string]string
	uidToUin   map[string]string
	sub        *messaging.Subscription
	cancelBoot context.CancelFunc
	bootDone   chan struct{}
}

// Option configures the Cache
type Option func(*Cache)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithRefreshTimeout bounds the startup friend list request. Zero waits
// until the cache is closed.
func WithRefreshTimeout(timeout time.Duration) Option {
	return func(c *Cache) {
		c.refreshTimeout = timeout
	}
}

// NewCache creates a cache fed by subscriber. invoker may be nil, in which
// case Start does not request a refresh.
func NewCache(subscriber messaging.EventSubscriber, invoker messaging.Invoker, opts ...Option) (*Cache, error) {
	if subscriber == nil {
		return nil, fmt.Errorf("subscriber cannot be nil")
	}

	c := &Cache{
		subscriber:     subscriber,
		invoker:        invoker,
		logger:         slog.Default(),
		refreshTimeout: 30 * time.Second,
		uinToUid:       make(map[string]string),
		uidToUin:       make(map[string]string),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}

	return c, nil
}

// Start subscribes to friend list changes and requests a forced refresh.
// The refresh result is not awaited; the cache fills from the event it
// triggers.
func (c *Cache) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub != nil {
		return nil
	}

	sub, err := c.subscriber.Subscribe(contracts.BuddyListChangeEvent, c.handleBuddyListChange)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", contracts.BuddyListChangeEvent, err)
	}
	c.sub = sub

	if c.invoker != nil {
		bootCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c.cancelBoot = cancel
		c.bootDone = make(chan struct{})
		go c.refresh(bootCtx, c.bootDone)
	}

	return nil
}

func (c *Cache) refresh(ctx context.Context, done chan struct{}) {
	defer close(done)

	if c.refreshTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.refreshTimeout)
		defer cancel()
	}

	_, err := c.invoker.Invoke(ctx,
		contracts.BuddyServiceNamespace,
		contracts.GetBuddyListCommand,
		false,
		contracts.GetBuddyListRequest{ForceUpdate: true},
	)
	if err != nil {
		c.logger.Warn("friend list refresh failed", "cmdName", contracts.GetBuddyListCommand, "error", err)
	}
}

func (c *Cache) handleBuddyListChange(ctx context.Context, payload json.RawMessage) {
	var change contracts.BuddyListChange
	if err := json.Unmarshal(payload, &change); err != nil {
		c.logger.Debug("ignoring malformed friend list", "error", err)
		return
	}
	c.Ingest(change)
}

// Ingest records every friend in change
func (c *Cache) Ingest(change contracts.BuddyListChange) {
	c.mu.Lock()
	defer c.mu.Unlock()

	added := 0
	for _, category := range change.Data {
		for _, friend := range category.BuddyList {
			c.uinToUid[friend.Uin] = friend.Uid
			c.uidToUin[friend.Uid] = friend.Uin
			added++
		}
	}

	c.logger.Debug("friend list applied", "records", added, "size", len(c.uinToUid))
}

// ConvertUinToUid returns the uid of uin
func (c *Cache) ConvertUinToUid(uin string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	uid, ok := c.uinToUid[uin]
	return uid, ok
}

// ConvertUidToUin returns the uin of uid
func (c *Cache) ConvertUidToUin(uid string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	uin, ok := c.uidToUin[uid]
	return uin, ok
}

// Len returns the number of known uins
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.uinToUid)
}

// Snapshot returns a copy of the uin to uid table
func (c *Cache) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]string, len(c.uinToUid))
	for uin, uid := range c.uinToUid {
		out[uin] = uid
	}
	return out
}

// Close unsubscribes, stops the pending refresh and clears both tables
func (c *Cache) Close() error {
	c.mu.Lock()
	sub := c.sub
	cancel := c.cancelBoot
	done := c.bootDone
	c.sub = nil
	c.cancelBoot = nil
	c.bootDone = nil
	c.uinToUid = make(map[string]string)
	c.uidToUin = make(map[string]string)
	c.mu.Unlock()

	if sub != nil {
		c.subscriber.Unsubscribe(sub)
	}
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}
