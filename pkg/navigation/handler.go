package navigation

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatehouse/pkg/httputil"
	"github.com/platinummonkey/gatehouse/pkg/middleware"
	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// Handler serves the pruned tree for the request's principal
type Handler struct {
	filter *Filter
	logger *observability.Logger
}

// NewHandler creates a handler
func NewHandler(filter *Filter, logger *observability.Logger) *Handler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Handler{filter: filter, logger: logger}
}

// RegisterRoutes registers GET /navigation
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.Handle("/navigation", h).Methods(http.MethodGet)
}

type response struct {
	Groups []Group `json:"groups"`
}

// ServeHTTP writes {"groups": [...]}
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	groups, err := h.filter.Visible(r.Context(), middleware.GetPrincipal(r))
	if err != nil {
		h.logger.WithError(err).Error("Failed to build navigation")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "navigation unavailable")
		return
	}
	if groups == nil {
		groups = []Group{}
	}
	httputil.WriteSuccess(w, response{Groups: groups})
}
