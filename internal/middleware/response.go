package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kestrel-labs/rendercore/internal/types"
)

// writeErrorResponse writes a RenderResponse-shaped error body for
// failures that occur in middleware, before the request ever reaches the
// render pipeline (rate limiting, body-size limits, panics).
func writeErrorResponse(w http.ResponseWriter, statusCode int, code types.ErrorCode, message string, startTime time.Time) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := types.RenderResponse{
		Success:   false,
		Errors:    []types.ResponseError{{Code: code, Message: message}},
		Timestamp: time.Now(),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Str("message", message).Msg("failed to encode middleware error response")
	}
}
