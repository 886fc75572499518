package controller

import (
	"net/http"
)

func (c *Controller) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady reports whether the store and Redis answer, plus how many RPC peers are
// usable. No peers is not fatal: the pool recovers on its own.
func (c *Controller) HandleReady(w http.ResponseWriter, r *http.Request) {
	if err := c.App.Ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "errored", "error": "database connection error"})
		return
	}
	available, total := c.App.RPC.Pool().Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"rpc_available": available,
		"rpc_total":     total,
	})
}
