package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/entitymesh/internal/entity"
	"github.com/MrWong99/entitymesh/internal/shard"
	"github.com/MrWong99/entitymesh/pkg/entityid"
	"github.com/MrWong99/entitymesh/pkg/sharding"
)

type errorBody struct {
	Error string `json:"error"`
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	if p := a.cfg.Telemetry.MetricsPath; p != "" && a.metricsHandler != nil {
		mux.Handle("GET "+p, a.metricsHandler)
	}
	mux.HandleFunc("GET /shards", a.handleShards)
	mux.HandleFunc("GET /entities/{id}", a.handleDescribe)
	mux.HandleFunc("POST /entities/{id}/refresh", a.handleRefresh)
	return mux
}

func (a *App) handleShards(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.cluster.Info())
}

func (a *App) handleDescribe(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	resp, err := entity.Ask[entity.DescribeResponse](r.Context(), a.cluster.Client(), id, entity.DescribeRequest{})
	if err != nil {
		a.writeAskError(r.Context(), w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	if _, err := entity.Ask[entity.RefreshResponse](r.Context(), a.cluster.Client(), id, entity.RefreshRequest{}); err != nil {
		a.writeAskError(r.Context(), w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) pathID(w http.ResponseWriter, r *http.Request) (entityid.ID, bool) {
	id, err := a.kinds.Parse(r.PathValue("id"))
	if err == nil && id.IsNone() {
		err = entityid.ErrInvalidID
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return entityid.None, false
	}
	return id, true
}

// writeAskError maps ask failures onto HTTP status codes.
func (a *App) writeAskError(ctx context.Context, w http.ResponseWriter, id entityid.ID, err error) {
	var noHandler entity.NoHandlerError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &noHandler):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, shard.ErrSpawnNotAllowed), errors.Is(err, shard.ErrUnknownKind),
		errors.Is(err, sharding.ErrNoShards), errors.Is(err, entity.ErrInvalidTarget):
		status = http.StatusNotFound
	case errors.Is(err, shard.ErrShardNotRunning), errors.Is(err, shard.ErrShardStopping),
		errors.Is(err, entity.ErrMailboxFull), errors.Is(err, entity.ErrEntityStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, entity.ErrAskTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		a.log.WarnContext(ctx, "admin ask failed", "entity", a.kinds.Format(id), "status", status, "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
