package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/punchamoorthee/walletcore/internal/service"
)

type subscriptionBody struct {
	Merchant     string     `json:"merchant" validate:"required,max=128"`
	Amount       int64      `json:"amount_cents" validate:"gt=0"`
	IntervalDays int        `json:"interval_days" validate:"gte=0,lte=365"`
	StartAt      *time.Time `json:"start_at"`
}

type invoiceBody struct {
	Payer     string     `json:"payer" validate:"required,max=128"`
	Amount    int64      `json:"amount_cents" validate:"gt=0"`
	DueAt     *time.Time `json:"due_at"`
	Reference string     `json:"reference" validate:"max=255"`
}

type mandateBody struct {
	Issuer    string `json:"issuer" validate:"required,max=128"`
	Autopay   bool   `json:"autopay"`
	MaxAmount int64  `json:"max_amount_cents" validate:"gte=0"`
}

type processDueBody struct {
	Limit int `json:"limit" validate:"gte=0,lte=1000"`
}

func (h *Handler) CreateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	var req subscriptionBody
	if err := decode(body, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	sub, err := h.service.CreateSubscription(r.Context(), service.SubscriptionInput{
		Payer:        actor(r),
		Merchant:     req.Merchant,
		Amount:       req.Amount,
		IntervalDays: req.IntervalDays,
		StartAt:      req.StartAt,
	})
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, sub)
}

func (h *Handler) ListSubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListSubscriptions(r.Context(), actor(r))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"subscriptions": nonNil(list)})
}

func (h *Handler) CancelSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	sub, err := h.service.CancelSubscription(r.Context(), actor(r), id)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sub)
}

func (h *Handler) ProcessDueSubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	h.processDue(w, r, h.service.ProcessDueSubscriptions)
}

func (h *Handler) ProcessDueInvoicesHandler(w http.ResponseWriter, r *http.Request) {
	h.processDue(w, r, h.service.ProcessDueInvoices)
}

func (h *Handler) processDue(w http.ResponseWriter, r *http.Request, run func(ctx context.Context, limit int) (service.RunSummary, error)) {
	body, err := readBody(r)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	var req processDueBody
	if err := decode(body, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	sum, err := run(r.Context(), req.Limit)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sum)
}

func (h *Handler) CreateInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	var req invoiceBody
	if err := decode(body, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	a := actor(r)
	inv, err := h.service.CreateInvoice(r.Context(), service.InvoiceInput{
		Issuer:     a.ID,
		IssuerKind: a.WalletKind(),
		Payer:      req.Payer,
		Amount:     req.Amount,
		DueAt:      req.DueAt,
		Reference:  req.Reference,
	})
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, inv)
}

func (h *Handler) ListInvoicesHandler(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListInvoices(r.Context(), actor(r))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"invoices": nonNil(list)})
}

func (h *Handler) PayInvoiceHandler(w http.ResponseWriter, r *http.Request) {
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
	k, err := requireKey(r, body, false)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	rec, err := h.service.PayInvoice(r.Context(), service.PayInvoiceInput{
		Payer: actor(r), ID: id, Key: k.Key, Fingerprint: k.Fingerprint,
	})
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondReceipt(w, rec)
}

func (h *Handler) CancelInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	inv, err := h.service.CancelInvoice(r.Context(), actor(r), id)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, inv)
}

func (h *Handler) UpsertMandateHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	var req mandateBody
	if err := decode(body, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	m, err := h.service.UpsertMandate(r.Context(), service.MandateInput{
		Payer: actor(r), Issuer: req.Issuer, Autopay: req.Autopay, MaxAmount: req.MaxAmount,
	})
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, m)
}

func (h *Handler) ListMandatesHandler(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListMandates(r.Context(), actor(r))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"mandates": nonNil(list)})
}

func (h *Handler) DeleteMandateHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteMandate(r.Context(), actor(r), mux.Vars(r)["issuer"]); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
