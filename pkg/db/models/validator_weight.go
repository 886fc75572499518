package models

import (
	"fmt"
	"math/big"
	"sort"
	"time"
)

const ValidatorWeightsTableName = "validator_weights"

// ValidatorWeightColumns defines the schema for the validator_weights table.
var ValidatorWeightColumns = []ColumnDef{
	{Name: "era", Type: "UInt64"},
	{Name: "validator", Type: "String", Codec: "ZSTD(1)"},
	{Name: "weight", Type: "String"}, // decimal, U512 on the wire
	{Name: "updated_at", Type: "DateTime64(6)"},
}

// ValidatorWeight is the stake weight of one validator for the era in which the set is
// active, i.e. the era after the switch block that announced it.
type ValidatorWeight struct {
	Era       uint64    `json:"era" ch:"era"`
	Validator string    `json:"validator" ch:"validator"`
	Weight    *big.Int  `json:"weight" ch:"weight"`
	UpdatedAt time.Time `json:"updated_at" ch:"updated_at"`
}

// WeightsFromMap converts a validator set into rows for era, ordered by validator key.
func WeightsFromMap(era uint64, weights map[string]*big.Int) []ValidatorWeight {
	out := make([]ValidatorWeight, 0, len(weights))
	for validator, w := range weights {
		out = append(out, ValidatorWeight{Era: era, Validator: validator, Weight: new(big.Int).Set(w)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Validator < out[j].Validator })
	return out
}

// WeightsToMap is the inverse of WeightsFromMap.
func WeightsToMap(rows []ValidatorWeight) map[string]*big.Int {
	out := make(map[string]*big.Int, len(rows))
	for _, r := range rows {
		if r.Weight == nil {
			continue
		}
		out[r.Validator] = new(big.Int).Set(r.Weight)
	}
	return out
}

// FormatWeight encodes a weight for the weight column.
func FormatWeight(w *big.Int) (string, error) {
	if w == nil || w.Sign() < 0 {
		return "", fmt.Errorf("invalid weight %v", w)
	}
	return w.String(), nil
}

// ParseWeight decodes the weight column.
func ParseWeight(s string) (*big.Int, error) {
	w, ok := new(big.Int).SetString(s, 10)
	if !ok || w.Sign() < 0 {
		return nil, fmt.Errorf("invalid weight %q", s)
	}
	return w, nil
}
