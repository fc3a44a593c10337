package server

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"runline/internal/apperr"
	"runline/internal/dispatch"
	"runline/internal/domain"
	"runline/internal/engine/auth"
	"runline/internal/logger"
	"runline/internal/stream"
)

// registerStream serves a run's event stream as server-sent events from
// startIndex until the finish event. Checks run in order: a malformed
// index, an unknown run, a caller without run.read, a run without an
// execution handle and finally an execution the substrate no longer knows.
func registerStream(r chi.Router, basePath string, cfg Config) {
	r.Get(path.Join(basePath, "runs/{run_id}/stream"), func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		runID := chi.URLParam(req, "run_id")
		from, err := parseStartIndex(req.URL.Query().Get("startIndex"))
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		run, err := cfg.Engine.Repo.GetRun(ctx, runID)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		if _, err := requirePermission(ctx, cfg.Engine, run.ProjectID, auth.PermRunRead); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		if run.WorkflowRunID == nil || *run.WorkflowRunID == "" {
			respondStatusError(w, handleError(apperr.New(apperr.Conflict, "run %s has no execution to stream", run.ID)))
			return
		}
		if cfg.Dispatcher != nil && cfg.Dispatcher.Substrate != nil {
			if _, err := cfg.Dispatcher.Substrate.Lookup(ctx, *run.WorkflowRunID); err != nil {
				respondStatusError(w, handleError(err))
				return
			}
		}
		if domain.IsTerminal(run.Status) {
			// a run that ended without its finish marker still terminates the stream
			dispatch.BestEffort(ctx, cfg.Logger, "stream_close", func(ctx context.Context) error {
				return cfg.Streams.Close(ctx, run.ID, run.Status)
			}, "run_id", run.ID)
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		err = cfg.Streams.Read(ctx, run.ID, from, func(env stream.Envelope) error {
			if err := writeSSE(w, env); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		})
		if err != nil && ctx.Err() == nil {
			logger.Or(cfg.Logger).Warn("stream ended with error", "run_id", run.ID, "err", err)
		}
	})
}

func parseStartIndex(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	from, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperr.New(apperr.BadRequest, "startIndex must be a non-negative integer")
	}
	if err := stream.ValidateIndex(from); err != nil {
		return 0, err
	}
	return from, nil
}

func writeSSE(w http.ResponseWriter, env stream.Envelope) error {
	kind, data, err := stream.Encode(env.Event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", env.Index, kind, data)
	return err
}
