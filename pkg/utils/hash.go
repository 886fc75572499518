package utils

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashOrRead returns password unchanged when it is already a bcrypt hash, otherwise hashes it.
func HashOrRead(password string) ([]byte, error) {
	if strings.HasPrefix(password, "$2a$") || strings.HasPrefix(password, "$2b$") || strings.HasPrefix(password, "$2y$") {
		return []byte(password), nil // already bcrypt
	}
	return bcrypt.GenerateFromPassword([]byte(password), 10)
}

var blockHashRe = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// IsBlockHash reports whether s looks like a hex encoded 32 byte block hash.
func IsBlockHash(s string) bool {
	return blockHashRe.MatchString(s)
}

// BlockIDKind tells how a user supplied block identifier should be resolved.
type BlockIDKind int

const (
	BlockIDInvalid BlockIDKind = iota
	BlockIDLatest
	BlockIDHash
	BlockIDHeight
)

// ParseBlockID classifies a block identifier: empty means the tip, 64 hex
// characters a hash, a non negative integer a height.
func ParseBlockID(id string) (BlockIDKind, uint64) {
	id = strings.TrimSpace(id)
	switch {
	case id == "":
		return BlockIDLatest, 0
	case IsBlockHash(id):
		return BlockIDHash, 0
	}
	if h, err := strconv.ParseUint(id, 10, 64); err == nil {
		return BlockIDHeight, h
	}
	return BlockIDInvalid, 0
}
