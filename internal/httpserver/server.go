package httpserver

import "github.com/gorilla/mux"

// New builds the partner-facing router with the standard middleware chain
// and the API routes mounted. Operational routes are added by the caller.
func New(api *API) *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestID, Logging, Metrics)
	api.Register(r)
	return r
}
