package handlers

import (
	"net/http"

	"github.com/amu-labs/gatekeep/internal/core/engine"
)

// HeldResponse lists coordinator keys with an operation in flight.
type HeldResponse struct {
	Keys  []string `json:"keys"`
	Count int      `json:"count"`
}

// HeldKeysHandler handles GET /v1/coordination/held.
func HeldKeysHandler(c *engine.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys := []string{}
		if c != nil {
			keys = append(keys, c.HeldKeys()...)
		}
		writeJSON(w, http.StatusOK, HeldResponse{Keys: keys, Count: len(keys)})
	}
}
