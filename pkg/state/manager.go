package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/litmus-labs/litmus/pkg/events"
	"go.uber.org/zap"
)

// ErrStateChangedExternally is returned by Guard when a pass no longer owns the state.
var ErrStateChangedExternally = errors.New("sync state changed externally")

// Slot persists the serialized state between runs.
type Slot interface {
	Save(ctx context.Context, data []byte) error
	// Load returns nil data when nothing was saved yet.
	Load(ctx context.Context) ([]byte, error)
}

// ManagerOpts is the set of options for a new Manager.
type ManagerOpts struct {
	Slot      Slot
	Publisher events.Publisher
	Logger    *zap.Logger
	// OnStatus is called with every status transition, under no lock.
	OnStatus func(Status)
	Now      func() time.Time
}

// Manager owns the State. Updates are serialized by a mutex; persisting and publishing
// happen on the Run loop from coalesced snapshots so writers never wait on I/O.
type Manager struct {
	mu    sync.Mutex
	state State

	slot      Slot
	publisher events.Publisher
	logger    *zap.Logger
	onStatus  func(Status)
	now       func() time.Time

	dirty   chan struct{}
	flushMu sync.Mutex
}

// NewManager returns a Manager holding an idle state.
func NewManager(o ManagerOpts) *Manager {
	if o.Slot == nil {
		o.Slot = &MemorySlot{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		state:     State{Status: StatusIdle},
		slot:      o.Slot,
		publisher: o.Publisher,
		logger:    o.Logger.Named("state"),
		onStatus:  o.OnStatus,
		now:       o.Now,
		dirty:     make(chan struct{}, 1),
	}
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Status
}

// Update applies fn to the state atomically and schedules a flush.
func (m *Manager) Update(fn func(s *State)) {
	m.mu.Lock()
	before := m.state.Status
	fn(&m.state)
	m.state.UpdatedAt = m.now()
	after := m.state.Status
	m.mu.Unlock()

	m.changed(before, after)
}

// TryBeginProcessing moves the state to processing unless a pass already owns it.
func (m *Manager) TryBeginProcessing() bool {
	m.mu.Lock()
	if m.state.Status == StatusProcessing {
		m.mu.Unlock()
		return false
	}
	before := m.state.Status
	m.state.Status = StatusProcessing
	m.state.ClearProgress()
	m.state.UpdatedAt = m.now()
	m.mu.Unlock()

	m.changed(before, StatusProcessing)
	return true
}

// Guard reports ErrStateChangedExternally once the status has left processing.
func (m *Manager) Guard() error {
	if m.Status() != StatusProcessing {
		return ErrStateChangedExternally
	}
	return nil
}

// SetPeers records the RPC pool size; it matches the rpc.PoolOpts OnChange hook.
func (m *Manager) SetPeers(available, total int) {
	m.mu.Lock()
	unchanged := m.state.RPCAvailable == available && m.state.RPCTotal == total
	if !unchanged {
		m.state.RPCAvailable = available
		m.state.RPCTotal = total
		m.state.UpdatedAt = m.now()
	}
	m.mu.Unlock()

	if !unchanged {
		m.markDirty()
	}
}

func (m *Manager) changed(before, after Status) {
	if before != after && m.onStatus != nil {
		m.onStatus(after)
	}
	m.markDirty()
}

func (m *Manager) markDirty() {
	select {
	case m.dirty <- struct{}{}:
	default:
	}
}

// Run flushes the state after every burst of updates until ctx is done, then flushes
// once more with a short grace period.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := m.Flush(final); err != nil {
				m.logger.Warn("Final state flush failed", zap.Error(err))
			}
			cancel()
			return
		case <-m.dirty:
			if err := m.Flush(ctx); err != nil {
				m.logger.Warn("State flush failed", zap.Error(err))
			}
		}
	}
}

// Flush persists and publishes the current snapshot.
func (m *Manager) Flush(ctx context.Context) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	snap := m.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	var errs []error
	if err := m.slot.Save(ctx, data); err != nil {
		errs = append(errs, err)
	}
	if m.publisher != nil {
		if err := m.publisher.Publish(ctx, events.Event{Type: events.TypeState, At: snap.UpdatedAt, Payload: data}); err != nil {
			errs = append(errs, fmt.Errorf("publish state: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Publish sends a one-off event through the configured publisher.
func (m *Manager) Publish(ctx context.Context, typ string, payload any) {
	if m.publisher == nil {
		return
	}
	ev, err := events.New(typ, payload)
	if err == nil {
		err = m.publisher.Publish(ctx, ev)
	}
	if err != nil {
		m.logger.Warn("Event publish failed", zap.String("type", typ), zap.Error(err))
	}
}

// Restore loads the persisted state. A pass cannot survive a restart, so the status is
// forced to idle and per-pass counters are cleared.
func (m *Manager) Restore(ctx context.Context) error {
	data, err := m.slot.Load(ctx)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		m.logger.Info("No persisted state, starting idle")
		return nil
	}

	var loaded State
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("decode persisted state: %w", err)
	}
	interrupted := loaded.Status != StatusIdle && loaded.Status != ""

	m.Update(func(s *State) {
		*s = loaded
		s.Status = StatusIdle
		s.ClearProgress()
		s.RPCAvailable, s.RPCTotal = 0, 0
		if interrupted {
			s.Info = "Previous sync was interrupted and will resume on the next check."
		}
	})
	m.logger.Info("Restored persisted state",
		zap.Bool("interrupted", interrupted),
		zap.Bool("has_trusted_block", loaded.TrustedBlock != nil))
	return nil
}

// MemorySlot keeps the serialized state in memory.
type MemorySlot struct {
	mu   sync.Mutex
	data []byte
}

func (s *MemorySlot) Save(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	return nil
}

func (s *MemorySlot) Load(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, nil
	}
	return append([]byte(nil), s.data...), nil
}
