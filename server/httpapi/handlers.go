package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/migadu/livequery/consts"
	"github.com/migadu/livequery/engine"
	"github.com/migadu/livequery/ingest"
	"github.com/migadu/livequery/logger"
	"github.com/migadu/livequery/pkg/health"
	"github.com/migadu/livequery/pkg/metrics"
	"github.com/migadu/livequery/query"
	"github.com/migadu/livequery/store"
)

// Request/Response types

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type GraphQLRequest struct {
	Query         string          `json:"query" validate:"required"`
	OperationName string          `json:"operationName"`
	Variables     json.RawMessage `json:"variables"`
}

type UpdateItemRequest struct {
	Read     *bool   `json:"read"`
	FolderID *string `json:"folderId" validate:"omitempty,min=1"`
}

// ChangeResponse describes a stored mutation.
type ChangeResponse struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Seq  uint64 `json:"seq"`
}

type SubscriptionsResponse struct {
	Subscriptions []engine.Info `json:"subscriptions"`
	Count         int           `json:"count"`
}

// errorKind maps an error to an HTTP status and a machine readable kind.
func errorKind(err error) (int, string) {
	var ce *query.CompileError
	switch {
	case errors.As(err, &ce):
		return http.StatusBadRequest, ce.Kind.String()
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, "StoreUnavailable"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, store.ErrInvalidRecord), errors.Is(err, store.ErrUnknownCollection):
		return http.StatusBadRequest, "InvalidRecord"
	case errors.Is(err, consts.ErrMalformedMessage):
		return http.StatusBadRequest, "MalformedMessage"
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable, "Closed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Timeout"
	default:
		return http.StatusInternalServerError, "Internal"
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := errorKind(err)
	if status >= http.StatusInternalServerError {
		logger.Error("HTTP API: request failed", "path", r.URL.Path, "kind", kind, "error", err,
			"request_id", r.Context().Value(consts.RequestIDKey))
	}
	s.writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind})
}

// Handler functions

type HealthResponse struct {
	Status        string                   `json:"status"`
	Subscriptions int                      `json:"subscriptions"`
	Components    []health.ComponentReport `json:"components,omitempty"`
}

// handleHealth answers 503 only when a critical component is unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Subscriptions: len(s.bridge.Subscriptions())}
	status := http.StatusOK
	if s.health != nil {
		overall, components := s.health.Status()
		resp.Components = components
		switch overall {
		case health.StatusHealthy:
		case health.StatusDegraded:
			resp.Status = string(overall)
		default:
			resp.Status = string(overall)
			status = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req GraphQLRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodySize)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Query is required")
		return
	}

	variables := string(req.Variables)
	plan, err := s.bridge.Compile(req.Query, req.OperationName, variables)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if plan.Operation == query.OpSubscription {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "subscriptions are served over the websocket endpoint /graphql/ws",
			Kind:  "SubscriptionOverHTTP",
		})
		return
	}

	key := req.Query + "\x00" + req.OperationName + "\x00" + variables
	result, err := s.bridge.Run(r.Context(), plan, key, nil)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeRaw(w, http.StatusOK, result)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs := s.bridge.Subscriptions()
	if subs == nil {
		subs = []engine.Info{}
	}
	s.writeJSON(w, http.StatusOK, SubscriptionsResponse{Subscriptions: subs, Count: len(subs)})
}

func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || id == 0 {
		s.writeError(w, http.StatusBadRequest, "Invalid subscription id")
		return
	}
	if !s.subscriptionExists(id) {
		s.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: engine.ErrSubscriptionNotFound.Error(), Kind: "NotFound"})
		return
	}
	s.bridge.Unsubscribe(id)
	logger.Info("HTTP API: subscription cancelled", "subscription", id)
	s.writeJSON(w, http.StatusOK, map[string]uint64{"cancelled": id})
}

func (s *Server) subscriptionExists(id uint64) bool {
	for _, info := range s.bridge.Subscriptions() {
		if info.ID == id {
			return true
		}
	}
	return false
}

// handleImportItem stores a raw RFC 5322 message as an item of a folder.
// The optional id query parameter overrides the content-derived id and
// received overrides the Date header (RFC 3339).
func (s *Server) handleImportItem(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	folderID := mux.Vars(r)["folder"]

	var received time.Time
	if v := r.URL.Query().Get("received"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "received must be an RFC 3339 timestamp")
			return
		}
		received = t
	}

	folder, err := s.store.Get(r.Context(), store.Folders, folderID)
	if err != nil {
		metrics.MessagesImportedTotal.WithLabelValues("failure").Inc()
		s.writeFailure(w, r, err)
		return
	}
	storeID, _ := folder.Value(store.FieldStoreID).(string)

	msg, err := ingest.ParseMessage(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	if err != nil {
		metrics.MessagesImportedTotal.WithLabelValues("failure").Inc()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "Message too large")
			return
		}
		s.writeFailure(w, r, err)
		return
	}
	if msg.HeaderOnly {
		logger.Warn("HTTP API: message body could not be parsed, stored headers only", "folder", folderID, "id", msg.ID)
	}

	rec := msg.Record(r.URL.Query().Get("id"), storeID, folderID, received, s.now())
	ev, err := s.store.Put(r.Context(), rec)
	if err != nil {
		metrics.MessagesImportedTotal.WithLabelValues("failure").Inc()
		s.writeFailure(w, r, err)
		return
	}
	metrics.MessagesImportedTotal.WithLabelValues("success").Inc()
	logger.Info("HTTP API: message imported", "folder", folderID, "id", ev.ID, "seq", ev.Seq, "size", msg.Size)

	status := http.StatusCreated
	if ev.Kind == store.Updated {
		status = http.StatusOK
	}
	s.writeJSON(w, status, changeResponse(ev))
}

func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id := mux.Vars(r)["id"]

	var req UpdateItemRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodySize)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "folderId must not be empty")
		return
	}
	if req.Read == nil && req.FolderID == nil {
		s.writeError(w, http.StatusBadRequest, "Nothing to update")
		return
	}

	item, err := s.store.Get(r.Context(), store.Items, id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	item = item.Clone()
	if req.Read != nil {
		item.Fields[store.FieldRead] = *req.Read
	}
	if req.FolderID != nil {
		folder, err := s.store.Get(r.Context(), store.Folders, *req.FolderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.writeError(w, http.StatusBadRequest, "Target folder does not exist")
				return
			}
			s.writeFailure(w, r, err)
			return
		}
		item.Fields[store.FieldFolderID] = folder.ID
		item.Fields[store.FieldStoreID] = folder.Value(store.FieldStoreID)
	}
	item.Fields[store.FieldModified] = s.now().UTC()

	ev, err := s.store.Put(r.Context(), item)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, changeResponse(ev))
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ev, err := s.store.Remove(r.Context(), store.Items, id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, changeResponse(ev))
}

func changeResponse(ev store.ChangeEvent) ChangeResponse {
	return ChangeResponse{ID: ev.ID, Kind: ev.Kind.String(), Seq: ev.Seq}
}
