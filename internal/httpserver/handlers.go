package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"vend/internal/domain"
	"vend/internal/service"
	"vend/internal/util"
)

type API struct {
	Svc   *service.TransactionService
	IDGen func() string
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/v1/vend", a.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/v1/transactions/{id}", a.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/v1/admin/transactions/{id}/requery", a.handleForceRequery).Methods(http.MethodPost)
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := a.Svc.CreateAndVend(r.Context(), req, a.IDGen(), util.NowUTC())
	if err != nil {
		slog.Error("create and vend failed",
			"err", err,
			"partner_id", req.PartnerID,
			"idempotency_key", req.IdempotencyKey,
			"utility_type", req.UtilityType,
		)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	view, found, err := a.Svc.GetTransaction(r.Context(), id)
	if err != nil {
		slog.Error("get transaction failed", "err", err, "transaction_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}

func (a *API) handleForceRequery(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	found, err := a.Svc.ForceRequery(r.Context(), id, util.NowUTC())
	if err != nil {
		slog.Error("force requery failed", "err", err, "transaction_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
