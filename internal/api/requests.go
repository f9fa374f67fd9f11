package api

import (
	"context"
	"net/http"

	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/service"
)

type createRequestBody struct {
	Target   string            `json:"target" validate:"required,max=128"`
	Amount   int64             `json:"amount_cents" validate:"gt=0"`
	Metadata map[string]string `json:"metadata" validate:"max=20"`
}

type refundBody struct {
	TransferID int64  `json:"transfer_id" validate:"gt=0"`
	Amount     int64  `json:"amount_cents" validate:"gt=0"`
	Reason     string `json:"reason" validate:"max=255"`
}

func (h *Handler) CreateRequestHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	k, _ := requireKey(r, body, true)
	var req createRequestBody
	if err := decode(body, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	a := actor(r)
	pr, err := h.service.CreateRequest(r.Context(), service.CreateRequestInput{
		Requester:     a.ID,
		RequesterKind: a.WalletKind(),
		Target:        req.Target,
		Amount:        req.Amount,
		Metadata:      req.Metadata,
		Key:           k.Key,
		Fingerprint:   k.Fingerprint,
	})
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, pr)
}

func (h *Handler) ListRequestsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListRequests(r.Context(), actor(r))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"requests": nonNil(list)})
}

func (h *Handler) GetRequestHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	pr, err := h.service.GetRequest(r.Context(), actor(r).ID, id)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, pr)
}

func (h *Handler) AcceptRequestHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	body, err := readBody(r)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	k, _ := requireKey(r, body, true)
	rec, err := h.service.AcceptRequest(r.Context(), service.AcceptRequestInput{
		Payer: actor(r), ID: id, Key: k.Key, Fingerprint: k.Fingerprint,
	})
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondReceipt(w, rec)
}

func (h *Handler) RejectRequestHandler(w http.ResponseWriter, r *http.Request) {
	h.answerRequest(w, r, h.service.RejectRequest)
}

func (h *Handler) CancelRequestHandler(w http.ResponseWriter, r *http.Request) {
	h.answerRequest(w, r, h.service.CancelRequest)
}

func (h *Handler) answerRequest(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, a domain.Actor, id int64) (*domain.PaymentRequest, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	pr, err := fn(r.Context(), actor(r), id)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, pr)
}

func (h *Handler) RefundHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	k, err := requireKey(r, body, false)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	var req refundBody
	if err := decode(body, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	rec, err := h.service.Refund(r.Context(), service.RefundInput{
		Caller:      actor(r),
		TransferID:  req.TransferID,
		Amount:      req.Amount,
		Reason:      req.Reason,
		Key:         k.Key,
		Fingerprint: k.Fingerprint,
	})
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondMoney(w, rec.Replayed, rec)
}

func (h *Handler) ListRefundsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	list, err := h.service.ListRefunds(r.Context(), actor(r).ID, id)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"refunds": nonNil(list)})
}
