package ffi

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// BridgeConfig bounds what a Bridge retains. Limits apply only to slots
// holding a recorded error; a call in flight keeps its slot until End.
type BridgeConfig struct {
	// Retention is how long a recorded error is kept. Default 5m.
	Retention time.Duration
	// MaxEntries caps the number of recorded errors kept at once; the
	// oldest are purged first. Default 1024.
	MaxEntries int
}

// DefaultBridgeConfig returns the defaults.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{Retention: 5 * time.Minute, MaxEntries: 1024}
}

type slot struct {
	recorded time.Time
	err      error
}

// Bridge correlates errors raised in host callbacks with the engine call
// that triggered them.
type Bridge struct {
	cfg BridgeConfig
	now func() time.Time

	mu    sync.Mutex
	slots map[uuid.UUID]*slot
	// recorded lists slots holding an error, in record order.
	recorded []uuid.UUID
}

// NewBridge creates a Bridge. Zero fields of cfg take their defaults.
func NewBridge(cfg BridgeConfig) *Bridge {
	def := DefaultBridgeConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	return &Bridge{
		cfg:   cfg,
		now:   time.Now,
		slots: make(map[uuid.UUID]*slot),
	}
}

// Config returns the effective configuration.
func (b *Bridge) Config() BridgeConfig { return b.cfg }

// Begin opens a slot for one engine call.
func (b *Bridge) Begin() *Call {
	id := uuid.New()
	b.mu.Lock()
	defer b.mu.Unlock()

	b.purgeLocked()
	b.slots[id] = &slot{}
	return &Call{id: id, bridge: b}
}

// Len returns the number of tracked calls, in flight or holding an error.
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots)
}

func (b *Bridge) purgeLocked() {
	cutoff := b.now().Add(-b.cfg.Retention)
	for len(b.recorded) > 0 {
		s, ok := b.slots[b.recorded[0]]
		if ok && s.recorded.After(cutoff) && len(b.recorded) <= b.cfg.MaxEntries {
			return
		}
		delete(b.slots, b.recorded[0])
		b.recorded = b.recorded[1:]
	}
}

// Call is the bridge slot of one engine call.
type Call struct {
	id     uuid.UUID
	bridge *Bridge
}

// ID returns the correlation token.
func (c *Call) ID() uuid.UUID { return c.id }

// Record parks err for the host and returns CodeCallbackError, the value a
// failing callback must return. The first recorded error wins.
func (c *Call) Record(err error) int {
	b := c.bridge
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.slots[c.id]; ok && s.err == nil {
		s.err = err
		s.recorded = b.now()
		b.recorded = append(b.recorded, c.id)
		b.purgeLocked()
	}
	return CodeCallbackError
}

// Err returns the recorded error, or ErrReservedCodeWithoutCause.
func (c *Call) Err() error {
	b := c.bridge
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.slots[c.id]; ok && s.err != nil {
		return s.err
	}
	return ErrReservedCodeWithoutCause
}

// End releases the slot. It is safe to call more than once.
func (c *Call) End() {
	b := c.bridge
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.slots[c.id]; !ok {
		return
	}
	delete(b.slots, c.id)
	for i, id := range b.recorded {
		if id == c.id {
			b.recorded = append(b.recorded[:i], b.recorded[i+1:]...)
			break
		}
	}
}
