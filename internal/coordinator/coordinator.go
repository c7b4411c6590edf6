package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config holds coordinator configuration.
type Config struct {
	PollInterval time.Duration
	CallTimeout  time.Duration
}

// Coordinator ties the synchronization store, the pull and push ingestion
// paths, and the event bus into one unit, constructed once per cloud account
// and passed by reference to every consumer. There is no process-wide
// registry; everything that needs state holds a *Coordinator.
type Coordinator struct {
	store  *Store
	events *EventBus
	poller *Poller
	push   *PushHandler
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator around a cloud API client.
func New(cloud CloudAPI, cfg Config, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	store := NewStore(logger)
	events := NewEventBus(logger)
	return &Coordinator{
		store:  store,
		events: events,
		poller: NewPoller(cloud, store, events, cfg.PollInterval, cfg.CallTimeout, logger),
		push:   NewPushHandler(store, events, logger),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Start performs one blocking refresh so the model is primed, then runs the
// poll loop in the background. The initial refresh error is returned so the
// caller can decide whether to proceed on cached data; the background loop
// keeps running either way.
func (c *Coordinator) Start(ctx context.Context) error {
	err := c.poller.RefreshOnce(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.poller.Run(c.ctx)
	}()
	return err
}

// Stop cancels the poll loop and waits for it to exit.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Store returns the synchronization store.
func (c *Coordinator) Store() *Store {
	return c.store
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Push returns the push ingestion handler.
func (c *Coordinator) Push() *PushHandler {
	return c.push
}

// Poller returns the refresh engine.
func (c *Coordinator) Poller() *Poller {
	return c.poller
}
