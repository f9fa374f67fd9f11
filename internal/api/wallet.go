package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/punchamoorthee/walletcore/internal/service"
	"github.com/punchamoorthee/walletcore/internal/store"
)

type topupBody struct {
	Amount int64 `json:"amount_cents" validate:"gt=0"`
}

type transferBody struct {
	To        string `json:"to" validate:"required,max=128"`
	Amount    int64  `json:"amount_cents" validate:"gt=0"`
	Reference string `json:"reference" validate:"max=255"`
}

func (h *Handler) GetWalletHandler(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.service.Wallet(r.Context(), actor(r))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, wallet)
}

func (h *Handler) StatementHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	st, err := h.service.Statement(r.Context(), actor(r), store.Page{Limit: limit, Offset: offset})
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, st)
}

func (h *Handler) StatementCSVHandler(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	a := actor(r)
	if err := h.service.ExportStatement(r.Context(), a, &buf); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "statement-"+a.ID+".csv"))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (h *Handler) TopupHandler(w http.ResponseWriter, r *http.Request) {
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
	var req topupBody
	if err := decode(body, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	rec, err := h.service.Topup(r.Context(), service.TopupRequest{
		Owner: actor(r), Amount: req.Amount, Key: k.Key, Fingerprint: k.Fingerprint,
	})
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondReceipt(w, rec)
}

func (h *Handler) TransferHandler(w http.ResponseWriter, r *http.Request) {
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
	var req transferBody
	if err := decode(body, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	rec, err := h.service.Transfer(r.Context(), service.TransferRequest{
		Payer:       actor(r),
		To:          req.To,
		Amount:      req.Amount,
		Reference:   req.Reference,
		Key:         k.Key,
		Fingerprint: k.Fingerprint,
	})
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondReceipt(w, rec)
}

func (h *Handler) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	res, err := h.service.GetTransfer(r.Context(), actor(r).ID, id)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (h *Handler) respondReceipt(w http.ResponseWriter, rec *service.Receipt) {
	w.Header().Set("Location", fmt.Sprintf("/api/v1/transfers/%d", rec.Transfer.ID))
	respondMoney(w, rec.Replayed, rec.TransferResult)
}
