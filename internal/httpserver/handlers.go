package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"wacast/internal/domain"
	"wacast/internal/service"
	"wacast/internal/store"
)

type API struct {
	Svc *service.CampaignService
}

// Register mounts the campaign routes; callers pass the /v1 subrouter so
// auth and metrics middleware cover every route at once.
func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/campaigns", a.handleCreateCampaign).Methods(http.MethodPost)
	mux.HandleFunc("/campaigns/{id}", a.handleGetCampaign).Methods(http.MethodGet)
	mux.HandleFunc("/campaigns/{id}/recipients", a.handleAddRecipients).Methods(http.MethodPost)
	mux.HandleFunc("/campaigns/{id}/recipients", a.handleListRecipients).Methods(http.MethodGet)
	mux.HandleFunc("/campaigns/{id}/send", a.handleSend).Methods(http.MethodPost)
	mux.HandleFunc("/campaigns/{id}/pause", a.handlePause).Methods(http.MethodPost)
	mux.HandleFunc("/campaigns/{id}/resume", a.handleResume).Methods(http.MethodPost)
	mux.HandleFunc("/campaigns/{id}/cancel", a.handleCancel).Methods(http.MethodPost)
}

func (a *API) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	c, err := a.Svc.CreateCampaign(r.Context(), req)
	if err != nil {
		writeServiceError(w, err, "create campaign", "name", req.Name)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(c)
}

func (a *API) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}

	c, err := a.Svc.GetCampaign(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, "get campaign", "campaign_id", id)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(c)
}

func (a *API) handleAddRecipients(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req domain.AddRecipientsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	added, err := a.Svc.AddRecipients(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, err, "add recipients", "campaign_id", id)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]int{"added": added})
}

func (a *API) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	status := r.URL.Query().Get("status")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	recs, err := a.Svc.ListRecipients(r.Context(), id, status, limit)
	if err != nil {
		writeServiceError(w, err, "list recipients", "campaign_id", id)
		return
	}
	if recs == nil {
		recs = []store.Recipient{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(recs)
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	resp, err := a.Svc.Start(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, "start campaign", "campaign_id", id)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	a.lifecycle(w, r, "pause campaign", a.Svc.Pause)
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	a.lifecycle(w, r, "resume campaign", a.Svc.Resume)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	a.lifecycle(w, r, "cancel campaign", a.Svc.Cancel)
}

func (a *API) lifecycle(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, id string) error) {
	id := mux.Vars(r)["id"]
	if err := fn(r.Context(), id); err != nil {
		writeServiceError(w, err, op, "campaign_id", id)
		return
	}
	c, err := a.Svc.GetCampaign(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, op, "campaign_id", id)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(c)
}

func writeServiceError(w http.ResponseWriter, err error, op string, logArgs ...any) {
	switch {
	case errors.Is(err, domain.ErrMissingFields), errors.Is(err, domain.ErrInvalidValue):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, ErrNotFound, http.StatusNotFound)
	case errors.Is(err, domain.ErrNotStartable),
		errors.Is(err, domain.ErrWrongStatus),
		errors.Is(err, domain.ErrNoRecipients):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		slog.Error(op+" failed", append([]any{"err", err}, logArgs...)...)
		http.Error(w, ErrDependency, http.StatusBadGateway)
	}
}
