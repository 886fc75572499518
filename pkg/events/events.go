package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Event types.
const (
	TypeState     = "state"
	TypeValidated = "era.validated"
	TypePeers     = "peers"
)

// Event is a state change notification. Payload is already JSON encoded.
type Event struct {
	Type    string          `json:"type"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// New encodes payload into an Event of type typ.
func New(typ string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: typ, At: time.Now().UTC(), Payload: raw}, nil
}

// Publisher receives events. Implementations must be safe for concurrent use and should
// not block for long; the sync pass never waits on delivery.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes events to a zap logger at debug level.
type Log struct {
	Logger *zap.Logger
}

func (l Log) Publish(_ context.Context, ev Event) error {
	if l.Logger == nil {
		return nil
	}
	l.Logger.Debug("Event",
		zap.String("type", ev.Type),
		zap.Time("at", ev.At),
		zap.ByteString("payload", ev.Payload))
	return nil
}

// Func adapts a function to Publisher.
type Func func(ctx context.Context, ev Event) error

func (f Func) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }
