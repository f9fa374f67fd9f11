package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/punchamoorthee/walletcore/internal/domain"
)

type endpointBody struct {
	URL    string `json:"url" validate:"required,url,max=2048"`
	Secret string `json:"secret" validate:"required,min=16,max=256"`
}

func (h *Handler) RegisterEndpointHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	var req endpointBody
	if err := decode(body, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	ep, err := h.webhooks.Register(r.Context(), actor(r), req.URL, req.Secret)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, ep)
}

func (h *Handler) ListEndpointsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := h.webhooks.Endpoints(r.Context(), actor(r))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"endpoints": nonNil(list)})
}

func (h *Handler) DeactivateEndpointHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	ep, err := h.webhooks.Deactivate(r.Context(), actor(r), id)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, ep)
}

func (h *Handler) SendTestHandler(w http.ResponseWriter, r *http.Request) {
	ids, err := h.webhooks.SendTest(r.Context(), actor(r))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]any{"deliveries": nonNil(ids)})
}

func (h *Handler) ListDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	status := domain.DeliveryStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.DeliveryPending, domain.DeliveryDelivered, domain.DeliveryFailed:
	default:
		h.respondWithError(w, r, domain.Errorf(domain.CodeInvalidRequest, "unknown status %q", status))
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	list, err := h.webhooks.Deliveries(r.Context(), actor(r), status, limit)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"deliveries": nonNil(list)})
}

func (h *Handler) RequeueHandler(w http.ResponseWriter, r *http.Request) {
	del, err := h.webhooks.Requeue(r.Context(), actor(r), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, del)
}

func (h *Handler) ProcessOnceHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	stats, err := h.webhooks.ProcessOnce(r.Context(), limit)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}
