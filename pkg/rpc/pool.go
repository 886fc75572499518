package rpc

import (
	"sync"
	"time"

	"github.com/litmus-labs/litmus/pkg/utils"
)

const (
	defaultMaxScore    = 10
	defaultBanRecovery = 1000 * time.Second
)

// Endpoint is the health record of a single RPC node.
// Score 0 is healthy; an endpoint with Score >= the pool ceiling is unavailable.
type Endpoint struct {
	Address     string    `json:"address"`
	Score       int       `json:"score"`
	BannedUntil time.Time `json:"banned_until,omitempty"`
}

// PoolOpts is the set of options for a new Pool.
type PoolOpts struct {
	Endpoints   []string
	MaxScore    int
	BanRecovery time.Duration
	// Now is overridable for tests.
	Now func() time.Time
	// OnChange receives (available, total) after every selection and ban. It must not block.
	OnChange func(available, total int)
}

// Pool tracks RPC endpoint health and hands out usable endpoints round-robin.
type Pool struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	byAddr    map[string]*Endpoint
	counter   uint64

	maxScore    int
	banRecovery time.Duration
	now         func() time.Time
	onChange    func(available, total int)
}

// NewPool creates a new Pool with every endpoint healthy.
func NewPool(o PoolOpts) *Pool {
	if o.MaxScore <= 0 {
		o.MaxScore = defaultMaxScore
	}
	if o.BanRecovery <= 0 {
		o.BanRecovery = defaultBanRecovery
	}
	if o.Now == nil {
		o.Now = time.Now
	}

	p := &Pool{
		byAddr:      map[string]*Endpoint{},
		maxScore:    o.MaxScore,
		banRecovery: o.BanRecovery,
		now:         o.Now,
		onChange:    o.OnChange,
	}
	for _, addr := range utils.Dedup(o.Endpoints) {
		ep := &Endpoint{Address: addr}
		p.endpoints = append(p.endpoints, ep)
		p.byAddr[addr] = ep
	}
	return p
}

// expire resets a banned endpoint whose recovery time has passed. Caller holds p.mu.
func (p *Pool) expire(ep *Endpoint, now time.Time) {
	if ep.Score >= p.maxScore && !ep.BannedUntil.IsZero() && !now.Before(ep.BannedUntil) {
		ep.Score = 0
		ep.BannedUntil = time.Time{}
	}
}

// Select returns the next available endpoint. Bans are expired lazily here rather than
// by timers, so nothing outlives the pool.
func (p *Pool) Select() (string, error) {
	p.mu.Lock()
	now := p.now()
	available := make([]*Endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		p.expire(ep, now)
		if ep.Score < p.maxScore {
			available = append(available, ep)
		}
	}
	var addr string
	if len(available) > 0 {
		addr = available[p.counter%uint64(len(available))].Address
		p.counter++
	}
	total := len(p.endpoints)
	p.mu.Unlock()

	p.notify(len(available), total)
	if addr == "" {
		return "", ErrNoAvailablePeers
	}
	return addr, nil
}

// ReportFailure applies a soft penalty. An endpoint that accumulates MaxScore
// failures becomes unavailable until the recovery interval passes.
func (p *Pool) ReportFailure(addr string) {
	p.mu.Lock()
	ep, ok := p.byAddr[addr]
	if !ok {
		p.mu.Unlock()
		return
	}
	if ep.Score < p.maxScore {
		ep.Score++
	}
	crossed := ep.Score >= p.maxScore && ep.BannedUntil.IsZero()
	if crossed {
		ep.BannedUntil = p.now().Add(p.banRecovery)
	}
	p.mu.Unlock()

	if crossed {
		p.notify(p.Counts())
	}
}

// ReportBan applies the hard penalty for protocol-level misbehaviour.
func (p *Pool) ReportBan(addr string) {
	p.mu.Lock()
	ep, ok := p.byAddr[addr]
	if ok {
		ep.Score = p.maxScore
		ep.BannedUntil = p.now().Add(p.banRecovery)
	}
	p.mu.Unlock()

	if ok {
		p.notify(p.Counts())
	}
}

// Counts returns the number of available and total endpoints.
func (p *Pool) Counts() (available, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for _, ep := range p.endpoints {
		p.expire(ep, now)
		if ep.Score < p.maxScore {
			available++
		}
	}
	return available, len(p.endpoints)
}

// Size returns the total number of configured endpoints.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// Endpoints returns a copy of the health table.
func (p *Pool) Endpoints() []Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		out = append(out, *ep)
	}
	return out
}

func (p *Pool) notify(available, total int) {
	if p.onChange != nil {
		p.onChange(available, total)
	}
}
