package api

import (
	"net/http"
	"time"

	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/hmacauth"
	"github.com/punchamoorthee/walletcore/internal/service"
)

// HeaderService names the calling vertical on internal routes. Idempotency
// keys are scoped by it.
const HeaderService = "X-Service-Name"

type internalRequestBody struct {
	From     string            `json:"from_phone" validate:"required,max=128"`
	FromKind string            `json:"from_kind" validate:"omitempty,oneof=user merchant"`
	To       string            `json:"to_phone" validate:"required,max=128,nefield=From"`
	Amount   int64             `json:"amount_cents" validate:"gt=0"`
	Metadata map[string]string `json:"metadata" validate:"max=20"`
}

type internalInvoiceBody struct {
	Issuer     string     `json:"issuer" validate:"required,max=128"`
	IssuerKind string     `json:"issuer_kind" validate:"omitempty,oneof=user merchant"`
	Payer      string     `json:"payer" validate:"required,max=128"`
	Amount     int64      `json:"amount_cents" validate:"gt=0"`
	DueAt      *time.Time `json:"due_at"`
	Reference  string     `json:"reference" validate:"max=255"`
}

type internalTransferBody struct {
	From      string `json:"from" validate:"required,max=128"`
	To        string `json:"to" validate:"required,max=128"`
	Amount    int64  `json:"amount_cents" validate:"gt=0"`
	Reference string `json:"reference" validate:"max=255"`
	KYCLevel  int    `json:"kyc_level" validate:"gte=0"`
}

func callerOf(r *http.Request) string {
	if name := r.Header.Get(HeaderService); name != "" {
		return name
	}
	return "internal"
}

// internalKey reads X-Idempotency-Key, the internal spelling of the header.
func internalKey(r *http.Request, body []byte) keyed {
	k, _ := requireKey(r, body, true)
	k.Key = r.Header.Get(hmacauth.HeaderIdempotency)
	return k
}

func (h *Handler) InternalCreateRequestHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	var req internalRequestBody
	if err := decode(body, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	k := internalKey(r, body)
	pr, err := h.service.CreateRequest(r.Context(), service.CreateRequestInput{
		Requester:     req.From,
		RequesterKind: domain.WalletKind(req.FromKind),
		Target:        req.To,
		Amount:        req.Amount,
		Metadata:      req.Metadata,
		Caller:        "internal:" + callerOf(r),
		Key:           k.Key,
		Fingerprint:   k.Fingerprint,
	})
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, pr)
}

func (h *Handler) InternalGetRequestHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	pr, err := h.service.GetRequest(r.Context(), "", id)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, pr)
}

func (h *Handler) InternalCreateInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	var req internalInvoiceBody
	if err := decode(body, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	inv, err := h.service.CreateInvoice(r.Context(), service.InvoiceInput{
		Issuer:     req.Issuer,
		IssuerKind: domain.WalletKind(req.IssuerKind),
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

func (h *Handler) InternalTransferHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	var req internalTransferBody
	if err := decode(body, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	k := internalKey(r, body)
	rec, err := h.service.InternalTransfer(r.Context(), service.InternalTransferRequest{
		Caller:      callerOf(r),
		From:        req.From,
		To:          req.To,
		Amount:      req.Amount,
		Reference:   req.Reference,
		KYCLevel:    req.KYCLevel,
		Key:         k.Key,
		Fingerprint: k.Fingerprint,
	})
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondReceipt(w, rec)
}

func (h *Handler) InternalWalletHandler(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		h.respondWithError(w, r, domain.Errorf(domain.CodeInvalidRequest, "owner is required"))
		return
	}
	wallet, err := h.service.WalletOf(r.Context(), owner)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, wallet)
}
