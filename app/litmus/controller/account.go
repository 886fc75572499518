package controller

import (
	"errors"
	"net/http"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/litmus-labs/litmus/pkg/account"
	"github.com/litmus-labs/litmus/pkg/rpc"
	"github.com/litmus-labs/litmus/pkg/verifier"
)

const maxProofBytes = 4 << 20

// HandleAccount proves the main purse balance of an account at a block.
func (c *Controller) HandleAccount(w http.ResponseWriter, r *http.Request) {
	var in struct {
		PublicKey string `json:"public_key"`
		BlockID   string `json:"block_id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if in.PublicKey == "" {
		writeError(w, http.StatusBadRequest, "public_key is required")
		return
	}

	acc, err := c.App.Account.Validate(r.Context(), in.PublicKey, in.BlockID)
	if err != nil {
		writeError(w, accountStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// HandleMerkle decodes a merkle proof through the verification service.
func (c *Controller) HandleMerkle(w http.ResponseWriter, r *http.Request) {
	var in struct {
		MerkleProof string   `json:"merkle_proof"`
		Path        []string `json:"path"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxProofBytes)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if in.MerkleProof == "" {
		writeError(w, http.StatusBadRequest, "merkle_proof is required")
		return
	}

	out, err := c.App.Verifier.ProcessQueryProofs(r.Context(), in.MerkleProof, in.Path)
	if err != nil {
		writeError(w, accountStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func accountStatus(err error) int {
	switch {
	case errors.Is(err, account.ErrInvalidBlockID):
		return http.StatusBadRequest
	case errors.Is(err, verifier.ErrRejected),
		errors.Is(err, account.ErrMainPurse),
		errors.Is(err, account.ErrBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, rpc.ErrStaleTrustPoint):
		return http.StatusNotFound
	}
	return http.StatusBadGateway
}
