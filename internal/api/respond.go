package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/idempotency"
	"github.com/punchamoorthee/walletcore/internal/validation"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
	maxBodyBytes         = 1 << 20
)

type errorBody struct {
	Error *domain.Error `json:"error"`
}

var statusByCode = map[domain.ErrorCode]int{
	domain.CodeInvalidRequest:        http.StatusBadRequest,
	domain.CodeInvalidAmount:         http.StatusBadRequest,
	domain.CodeUnauthorized:          http.StatusUnauthorized,
	domain.CodeSignatureInvalid:      http.StatusUnauthorized,
	domain.CodeForbidden:             http.StatusForbidden,
	domain.CodeNotFound:              http.StatusNotFound,
	domain.CodeIdempotencyConflict:   http.StatusConflict,
	domain.CodeIdempotencyInProgress: http.StatusConflict,
	domain.CodeInvalidState:          http.StatusConflict,
	domain.CodeCodeInvalid:           http.StatusConflict,
	domain.CodeInsufficientBalance:   http.StatusUnprocessableEntity,
	domain.CodeLimitExceeded:         http.StatusUnprocessableEntity,
	domain.CodeRefundExceeds:         http.StatusUnprocessableEntity,
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// respondWithError renders err in the error envelope. Unclassified errors
// are logged and hidden behind a 500.
func (h *Handler) respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		h.log.Error().Err(err).Str("request_id", requestID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
		respondWithJSON(w, http.StatusInternalServerError, errorBody{Error: &domain.Error{Code: "internal", Message: "internal server error"}})
		return
	}
	status, ok := statusByCode[de.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	respondWithJSON(w, status, errorBody{Error: de})
}

// respondMoney writes the result of an idempotent operation: 201 when it
// ran, 200 with a replay marker when it was served from the key.
func respondMoney(w http.ResponseWriter, replayed bool, payload any) {
	if replayed {
		w.Header().Set(HeaderReplayed, "true")
		respondWithJSON(w, http.StatusOK, payload)
		return
	}
	respondWithJSON(w, http.StatusCreated, payload)
}

// readBody reads and restores the request body.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, domain.Errorf(domain.CodeInvalidRequest, "stream read error")
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// decode parses a JSON body into dst and validates it. An empty body decodes
// to the zero value before validation.
func decode(body []byte, dst any) error {
	if len(bytes.TrimSpace(body)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil {
			return domain.Errorf(domain.CodeInvalidRequest, "malformed JSON body: %v", err)
		}
	}
	return validation.Struct(dst)
}

// keyed carries the idempotency key and request fingerprint.
type keyed struct {
	Key         string
	Fingerprint string
}

// requireKey reads the Idempotency-Key header and fingerprints the request.
func requireKey(r *http.Request, body []byte, optional bool) (keyed, error) {
	key := r.Header.Get(HeaderIdempotencyKey)
	if key == "" && !optional {
		return keyed{}, domain.Errorf(domain.CodeInvalidRequest, "missing %s header", HeaderIdempotencyKey)
	}
	return keyed{Key: key, Fingerprint: idempotency.Fingerprint(r.Method, r.URL.Path, body)}, nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.Errorf(domain.CodeInvalidRequest, "invalid %s", name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.Errorf(domain.CodeInvalidRequest, "invalid %s", name)
	}
	return n, nil
}
