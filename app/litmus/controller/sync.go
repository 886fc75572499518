package controller

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
	"github.com/litmus-labs/litmus/pkg/db"
	"github.com/litmus-labs/litmus/pkg/state"
	"github.com/litmus-labs/litmus/pkg/utils"
	"go.uber.org/zap"
)

const (
	defaultSwitchBlocksLimit = 100
	maxSwitchBlocksLimit     = 1000
)

// HandleState returns the current sync state.
func (c *Controller) HandleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, c.App.State.Snapshot())
}

// HandlePeers returns the RPC endpoint health table.
func (c *Controller) HandlePeers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, c.App.RPC.Pool().Endpoints())
}

// HandleSwitchBlocks lists stored switch blocks from ?from_era= (default 0), up to ?limit=.
func (c *Controller) HandleSwitchBlocks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var fromEra uint64
	if v := q.Get("from_era"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from_era")
			return
		}
		fromEra = n
	}
	limit := defaultSwitchBlocksLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxSwitchBlocksLimit)
	}

	rows, err := c.App.Store.SwitchBlocks(r.Context(), fromEra, limit)
	if err != nil {
		c.App.Logger.Error("Failed to list switch blocks", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// HandleValidators returns the validator weights active in an era as decimal strings.
func (c *Controller) HandleValidators(w http.ResponseWriter, r *http.Request) {
	era, err := strconv.ParseUint(mux.Vars(r)["era"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid era")
		return
	}
	weights, err := c.App.Store.ValidatorWeights(r.Context(), era)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "era not found")
		return
	}
	if err != nil {
		c.App.Logger.Error("Failed to load validator weights", zap.Uint64("era", era), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	out := make(map[string]string, len(weights))
	for k, v := range weights {
		out[k] = v.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{"era": era, "weights": out})
}

// HandleLastSwitchBlock finds the most recent switch block at the tip and returns it.
func (c *Controller) HandleLastSwitchBlock(w http.ResponseWriter, r *http.Request) {
	b, err := c.App.Syncer.LastSwitchBlock(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state.RefOf(b))
}

// HandleTrustedBlock sets the trust point and starts a pass in the background. The
// outcome shows up in the state.
func (c *Controller) HandleTrustedBlock(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Hash string `json:"hash"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	hash := strings.ToLower(strings.TrimSpace(in.Hash))
	if !utils.IsBlockHash(hash) {
		writeError(w, http.StatusBadRequest, "hash must be 64 hex characters")
		return
	}
	if c.App.State.Status() == state.StatusProcessing {
		writeError(w, http.StatusConflict, "a sync pass is already running")
		return
	}

	c.App.Go(func(ctx context.Context) {
		started, err := c.App.Syncer.SetTrustedBlock(ctx, hash)
		if err != nil {
			c.App.Logger.Warn("Trusted block pass failed", zap.String("hash", hash), zap.Error(err))
			return
		}
		if !started {
			c.App.Logger.Info("Trusted block ignored, a pass is running", zap.String("hash", hash))
		}
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "hash": hash})
}

// HandleCheck runs the background check now, in the background.
func (c *Controller) HandleCheck(w http.ResponseWriter, _ *http.Request) {
	if c.App.State.Status() == state.StatusProcessing {
		writeError(w, http.StatusConflict, "a sync pass is already running")
		return
	}
	c.App.Go(func(ctx context.Context) {
		if _, err := c.App.Syncer.CheckForUpdates(ctx); err != nil {
			c.App.Logger.Warn("Manual switch block check failed", zap.Error(err))
		}
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// HandleCancel stops the running pass.
func (c *Controller) HandleCancel(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": c.App.Syncer.Cancel()})
}
