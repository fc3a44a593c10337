package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"runline/internal/logger"
	"runline/internal/queue"
)

const maxCallbackBody = 64 * 1024

// registerQueue serves signed step callbacks. The signature is verified
// over the exact request bytes before the body is parsed.
func registerQueue(r chi.Router, callbackPath string, cfg Config) {
	r.Post(callbackPath, func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(io.LimitReader(req.Body, maxCallbackBody+1))
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unreadable body", nil))
			return
		}
		if len(body) > maxCallbackBody {
			respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "bad_request", "callback body too large", nil))
			return
		}
		res, err := cfg.Dispatcher.HandleCallback(req.Context(), "queue", req.Header.Get(queue.SignatureHeader), body)
		if err != nil {
			logger.Or(cfg.Logger).Warn("step callback rejected", "err", err)
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(QueueResponse{OK: true, Outcome: res.Outcome})
	})
}
