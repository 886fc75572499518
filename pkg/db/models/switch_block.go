package models

import (
	"time"
)

const SwitchBlocksTableName = "switch_blocks"

// SwitchBlockColumns defines the schema for the switch_blocks table.
var SwitchBlockColumns = []ColumnDef{
	{Name: "era", Type: "UInt64"},
	{Name: "block_height", Type: "UInt64", Codec: "Delta, ZSTD(1)"},
	{Name: "validated", Type: "Bool"},
	{Name: "updated_at", Type: "DateTime64(6)"},
}

// SwitchBlock records where era Era ends. Era is the key; a later write for the same
// era replaces the earlier one.
type SwitchBlock struct {
	Era         uint64    `json:"era" ch:"era"`
	BlockHeight uint64    `json:"block_height" ch:"block_height"`
	Validated   bool      `json:"validated" ch:"validated"`
	UpdatedAt   time.Time `json:"updated_at" ch:"updated_at"`
}
