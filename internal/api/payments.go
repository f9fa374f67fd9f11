package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/punchamoorthee/walletcore/internal/codes"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/service"
)

type issueCodeBody struct {
	Amount int64  `json:"amount_cents" validate:"gte=0"`
	Note   string `json:"note" validate:"max=255"`
}

type payCodeBody struct {
	Code   string `json:"code" validate:"required,max=256"`
	Amount int64  `json:"amount_cents" validate:"gte=0"`
}

type cpmRequestBody struct {
	Code     string            `json:"code" validate:"required,max=256"`
	Amount   int64             `json:"amount_cents" validate:"gt=0"`
	Metadata map[string]string `json:"metadata" validate:"max=20"`
}

func (h *Handler) IssueQRHandler(w http.ResponseWriter, r *http.Request) {
	h.issueCode(w, r, domain.CodeQR)
}

func (h *Handler) IssueLinkHandler(w http.ResponseWriter, r *http.Request) {
	h.issueCode(w, r, domain.CodeLink)
}

func (h *Handler) issueCode(w http.ResponseWriter, r *http.Request, kind domain.CodeKind) {
	body, err := readBody(r)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	var req issueCodeBody
	if err := decode(body, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	pc, err := h.service.IssueCode(r.Context(), service.IssueCodeRequest{
		Owner: actor(r), Kind: kind, Amount: req.Amount, Note: req.Note,
	})
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, pc)
}

func (h *Handler) PayQRHandler(w http.ResponseWriter, r *http.Request) {
	h.payCode(w, r, domain.CodeQR)
}

func (h *Handler) PayLinkHandler(w http.ResponseWriter, r *http.Request) {
	h.payCode(w, r, domain.CodeLink)
}

func (h *Handler) payCode(w http.ResponseWriter, r *http.Request, kind domain.CodeKind) {
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
	var req payCodeBody
	if err := decode(body, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	// A link code presented at the QR route, or the reverse, is not valid there.
	if got, err := codes.Kind(req.Code); err != nil || got != kind {
		h.respondWithError(w, r, domain.ErrCodeInvalid)
		return
	}
	rec, err := h.service.Redeem(r.Context(), service.RedeemRequest{
		Payer:       actor(r),
		Code:        req.Code,
		Amount:      req.Amount,
		Key:         k.Key,
		Fingerprint: k.Fingerprint,
	})
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondReceipt(w, rec)
}

func (h *Handler) CPMRequestHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	var req cpmRequestBody
	if err := decode(body, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	pr, err := h.service.RequestFromCPM(r.Context(), service.CPMRequest{
		Merchant: actor(r), Code: req.Code, Amount: req.Amount, Metadata: req.Metadata,
	})
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, pr)
}

func (h *Handler) CPMCodeHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"code": h.service.CPMCode(actor(r))})
}

func (h *Handler) ListCodesHandler(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListCodes(r.Context(), actor(r))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"codes": nonNil(list)})
}

func (h *Handler) DisableCodeHandler(w http.ResponseWriter, r *http.Request) {
	pc, err := h.service.DisableCode(r.Context(), actor(r), mux.Vars(r)["code"])
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, pc)
}

// nonNil renders empty lists as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
