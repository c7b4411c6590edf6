package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"qingping-go-cloud/internal/qingping"
)

// ErrBadPayload marks an inbound push message the handler rejected. The
// transport maps it to its own bad-request response; the store is never
// touched by a rejected message.
var ErrBadPayload = errors.New("push: malformed payload")

// PushMessage is a validated partial update for one device.
type PushMessage struct {
	MAC     string
	Updates map[string]qingping.Property
}

// pushEnvelope is the wire shape of a cloud data push.
type pushEnvelope struct {
	Payload struct {
		Info struct {
			MAC string `json:"mac"`
		} `json:"info"`
		Data []map[string]struct {
			Value  any `json:"value"`
			Status int `json:"status"`
		} `json:"data"`
	} `json:"payload"`
}

// ParsePush validates and decodes a raw push body. The cloud may batch
// several time-ordered frames into payload.data; exactly the first frame is
// applied, matching upstream behavior for the single-frame common case.
func ParsePush(raw []byte) (PushMessage, error) {
	var env pushEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return PushMessage{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if env.Payload.Info.MAC == "" {
		return PushMessage{}, fmt.Errorf("%w: missing payload.info.mac", ErrBadPayload)
	}
	mac, err := qingping.NormalizeMAC(env.Payload.Info.MAC)
	if err != nil {
		return PushMessage{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if len(env.Payload.Data) == 0 {
		return PushMessage{}, fmt.Errorf("%w: missing payload.data", ErrBadPayload)
	}

	frame := env.Payload.Data[0]
	if len(frame) == 0 {
		return PushMessage{}, fmt.Errorf("%w: empty data frame", ErrBadPayload)
	}
	updates := make(map[string]qingping.Property, len(frame))
	for name, f := range frame {
		updates[name] = qingping.Property{Name: name, Value: f.Value, Status: f.Status}
	}
	return PushMessage{MAC: mac, Updates: updates}, nil
}

// PushHandler is the push path: it applies validated partial updates to the
// store and notifies subscribers through the same bus the poller uses.
type PushHandler struct {
	store  *Store
	events *EventBus
	logger *slog.Logger
}

// NewPushHandler creates a push handler.
func NewPushHandler(store *Store, events *EventBus, logger *slog.Logger) *PushHandler {
	return &PushHandler{
		store:  store,
		events: events,
		logger: logger.With("component", "push"),
	}
}

// Handle ingests one raw push message. Malformed input returns an error
// wrapping ErrBadPayload and leaves the store untouched. A push for an
// unknown device is dropped silently (nil error): that is an expected race
// between provisioning and delivery, reconciled by the next poll.
func (h *PushHandler) Handle(raw []byte) error {
	msg, err := ParsePush(raw)
	if err != nil {
		return err
	}

	if !h.store.ApplyUpdate(msg.MAC, msg.Updates) {
		h.logger.Debug("push for unknown device dropped", "mac", msg.MAC)
		return nil
	}

	attrs := make([]string, 0, len(msg.Updates))
	for name := range msg.Updates {
		attrs = append(attrs, name)
	}
	h.logger.Debug("push applied", "mac", msg.MAC, "attributes", attrs)

	h.events.Emit(Event{
		Type: EventDeviceUpdated,
		Data: map[string]interface{}{
			"mac":        msg.MAC,
			"attributes": attrs,
		},
	})
	return nil
}
