package state

import (
	"time"

	"github.com/litmus-labs/litmus/pkg/db/models"
	"github.com/litmus-labs/litmus/pkg/rpc"
)

// Status is the phase of the sync state machine.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusSearching  Status = "searching"
	StatusProcessing Status = "processing"
)

// BlockRef is the part of a block worth keeping in the state.
type BlockRef struct {
	Hash          string `json:"hash"`
	Era           uint64 `json:"era"`
	Height        uint64 `json:"height"`
	StateRootHash string `json:"state_root_hash,omitempty"`
	SwitchBlock   bool   `json:"switch_block"`
}

// RefOf summarizes b; nil stays nil.
func RefOf(b *rpc.Block) *BlockRef {
	if b == nil {
		return nil
	}
	return &BlockRef{
		Hash:          b.Hash,
		Era:           b.Header.EraID,
		Height:        b.Header.Height,
		StateRootHash: b.Header.StateRootHash,
		SwitchBlock:   b.IsSwitchBlock(),
	}
}

// EraRef locates the last validated switch block.
type EraRef struct {
	Era         uint64 `json:"era"`
	BlockHeight uint64 `json:"block_height"`
}

// EraRefOf summarizes a switch block record; nil stays nil.
func EraRefOf(sb *models.SwitchBlock) *EraRef {
	if sb == nil {
		return nil
	}
	return &EraRef{Era: sb.Era, BlockHeight: sb.BlockHeight}
}

// Progress of one phase of a pass.
type Progress struct {
	Percent float64 `json:"percent"`
	ETAMs   int64   `json:"eta_ms"`
	Blocks  int     `json:"blocks"`
}

// Account is the outcome of the last account balance validation.
type Account struct {
	PublicKey     string `json:"public_key"`
	BlockHash     string `json:"block_hash"`
	BlockHeight   uint64 `json:"block_height"`
	StateRootHash string `json:"state_root_hash"`
	MainPurse     string `json:"main_purse"`
	BalanceMotes  string `json:"balance_motes"`
	BalanceCSPR   string `json:"balance_cspr"`
}

// State is the externally visible sync state. It is persisted and published as a whole.
type State struct {
	Status          Status    `json:"status"`
	TrustedBlock    *BlockRef `json:"trusted_block,omitempty"`
	LastValidated   *EraRef   `json:"last_validated,omitempty"`
	LastBlock       *BlockRef `json:"last_block,omitempty"`
	LastSwitchBlock *BlockRef `json:"last_switch_block,omitempty"`
	Fetch           Progress  `json:"fetch"`
	Validate        Progress  `json:"validate"`
	BlocksToProcess int       `json:"blocks_to_process"`
	RPCTotal        int       `json:"rpc_total"`
	RPCAvailable    int       `json:"rpc_available"`
	Account         *Account  `json:"account,omitempty"`
	Error           string    `json:"error,omitempty"`
	Info            string    `json:"info,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ClearProgress resets the per-pass counters.
func (s *State) ClearProgress() {
	s.Fetch = Progress{}
	s.Validate = Progress{}
	s.BlocksToProcess = 0
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := s
	if s.TrustedBlock != nil {
		v := *s.TrustedBlock
		out.TrustedBlock = &v
	}
	if s.LastValidated != nil {
		v := *s.LastValidated
		out.LastValidated = &v
	}
	if s.LastBlock != nil {
		v := *s.LastBlock
		out.LastBlock = &v
	}
	if s.LastSwitchBlock != nil {
		v := *s.LastSwitchBlock
		out.LastSwitchBlock = &v
	}
	if s.Account != nil {
		v := *s.Account
		out.Account = &v
	}
	return out
}

// ETA estimates the time left for total-done items given the time spent on done.
func ETA(started time.Time, now time.Time, done, total int) time.Duration {
	if done <= 0 || total <= done {
		return 0
	}
	perItem := now.Sub(started) / time.Duration(done)
	return perItem * time.Duration(total-done)
}

// NewProgress builds a Progress for done of total items.
func NewProgress(started, now time.Time, done, total int) Progress {
	p := Progress{Blocks: done, ETAMs: ETA(started, now, done, total).Milliseconds()}
	if total > 0 {
		p.Percent = float64(done) * 100 / float64(total)
	}
	return p
}
