package coordinator

import (
	"context"
	"log/slog"
	"time"

	"qingping-go-cloud/internal/qingping"
)

const (
	// MinPollInterval is the floor for the configured poll interval, so a
	// misconfigured instance cannot hammer the upstream API.
	MinPollInterval = 60 * time.Second

	// DefaultPollInterval matches the cloud's default device cadence.
	DefaultPollInterval = 300 * time.Second

	// DefaultCallTimeout bounds each upstream call (connect, list).
	DefaultCallTimeout = 60 * time.Second
)

// CloudAPI is the slice of the cloud client the poller depends on.
type CloudAPI interface {
	Connect(ctx context.Context) error
	ListDevices(ctx context.Context) ([]*qingping.Device, error)
	ControllerName() string
}

// Poller is the pull path: on a fixed interval it fetches the full device
// list and replaces the store's snapshot wholesale. Failures never kill the
// loop; they are recorded on the store and surfaced to subscribers so
// consumers can mark themselves unavailable while keeping last-known values.
type Poller struct {
	cloud    CloudAPI
	store    *Store
	events   *EventBus
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewPoller creates a poller. Intervals below MinPollInterval are clamped;
// a zero interval or timeout selects the default.
func NewPoller(cloud CloudAPI, store *Store, events *EventBus, interval, timeout time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if interval < MinPollInterval {
		logger.Warn("poll interval below minimum, clamping",
			"configured", interval, "minimum", MinPollInterval)
		interval = MinPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Poller{
		cloud:    cloud,
		store:    store,
		events:   events,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With("component", "poller"),
	}
}

// Interval returns the effective (clamped) poll interval.
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Run polls immediately, then on every interval tick until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("poller started", "interval", p.interval)

	if err := p.RefreshOnce(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("initial poll failed", "err", err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return
		case <-ticker.C:
			if err := p.RefreshOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("poll failed", "err", err)
			}
		}
	}
}

// RefreshOnce performs one poll cycle: authenticate, list devices, swap the
// snapshot. Each upstream call gets its own bounded timeout; a call that
// exceeds it is abandoned and the cycle counts as failed with no partial
// result merged.
func (p *Poller) RefreshOnce(ctx context.Context) error {
	devices, err := p.fetch(ctx)
	now := time.Now()
	if err != nil {
		p.store.MarkPollFailure(now, err)
		p.events.Emit(Event{
			Type: EventPollFailed,
			Data: map[string]interface{}{"error": err.Error()},
		})
		return err
	}

	p.store.ReplaceSnapshot(p.cloud.ControllerName(), devices)
	p.store.MarkPollSuccess(now)
	p.logger.Debug("snapshot replaced", "devices", len(devices))
	p.events.Emit(Event{
		Type: EventSnapshotReplaced,
		Data: map[string]interface{}{"devices": len(devices)},
	})
	return nil
}

func (p *Poller) fetch(ctx context.Context) ([]*qingping.Device, error) {
	connectCtx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.cloud.Connect(connectCtx)
	cancel()
	if err != nil {
		return nil, err
	}

	listCtx, cancel := context.WithTimeout(ctx, p.timeout)
	devices, err := p.cloud.ListDevices(listCtx)
	cancel()
	if err != nil {
		return nil, err
	}
	return devices, nil
}
