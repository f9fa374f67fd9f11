package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/punchamoorthee/walletcore/internal/auth"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/hmacauth"
	"github.com/punchamoorthee/walletcore/internal/service"
	"github.com/punchamoorthee/walletcore/internal/webhook"
)

type Handler struct {
	service  *service.Service
	webhooks *webhook.Dispatcher
	log      zerolog.Logger
}

func NewHandler(svc *service.Service, webhooks *webhook.Dispatcher, log zerolog.Logger) *Handler {
	return &Handler{service: svc, webhooks: webhooks, log: log}
}

// Router wires the public API behind jwt and the internal API behind hmac.
func (h *Handler) Router(jwt *auth.JWTVerifier, hmac *hmacauth.Verifier) *mux.Router {
	r := mux.NewRouter()
	r.Use(withRequestID, h.recoverPanics, h.instrument)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(auth.HTTPJWTMiddleware(jwt, h.respondWithError))

	v1.HandleFunc("/wallet", h.GetWalletHandler).Methods(http.MethodGet)
	v1.HandleFunc("/wallet/statement", h.StatementHandler).Methods(http.MethodGet)
	v1.HandleFunc("/wallet/statement.csv", h.StatementCSVHandler).Methods(http.MethodGet)
	v1.HandleFunc("/wallet/topup", h.TopupHandler).Methods(http.MethodPost)
	v1.HandleFunc("/wallet/transfer", h.TransferHandler).Methods(http.MethodPost)
	v1.HandleFunc("/transfers/{id}", h.GetTransferHandler).Methods(http.MethodGet)
	v1.HandleFunc("/transfers/{id}/refunds", h.ListRefundsHandler).Methods(http.MethodGet)

	v1.HandleFunc("/payments/merchant/qr", h.IssueQRHandler).Methods(http.MethodPost)
	v1.HandleFunc("/payments/merchant/pay", h.PayQRHandler).Methods(http.MethodPost)
	v1.HandleFunc("/payments/links", h.IssueLinkHandler).Methods(http.MethodPost)
	v1.HandleFunc("/payments/links/pay", h.PayLinkHandler).Methods(http.MethodPost)
	v1.HandleFunc("/payments/merchant/cpm_request", h.CPMRequestHandler).Methods(http.MethodPost)
	v1.HandleFunc("/payments/cpm_code", h.CPMCodeHandler).Methods(http.MethodGet)
	v1.HandleFunc("/payments/codes", h.ListCodesHandler).Methods(http.MethodGet)
	v1.HandleFunc("/payments/codes/{code}/disable", h.DisableCodeHandler).Methods(http.MethodPost)

	v1.HandleFunc("/requests", h.CreateRequestHandler).Methods(http.MethodPost)
	v1.HandleFunc("/requests", h.ListRequestsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/requests/{id}", h.GetRequestHandler).Methods(http.MethodGet)
	v1.HandleFunc("/requests/{id}/accept", h.AcceptRequestHandler).Methods(http.MethodPost)
	v1.HandleFunc("/requests/{id}/reject", h.RejectRequestHandler).Methods(http.MethodPost)
	v1.HandleFunc("/requests/{id}/cancel", h.CancelRequestHandler).Methods(http.MethodPost)

	v1.HandleFunc("/refunds", h.RefundHandler).Methods(http.MethodPost)

	v1.HandleFunc("/subscriptions", h.CreateSubscriptionHandler).Methods(http.MethodPost)
	v1.HandleFunc("/subscriptions", h.ListSubscriptionsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/subscriptions/process_due", h.ProcessDueSubscriptionsHandler).Methods(http.MethodPost)
	v1.HandleFunc("/subscriptions/{id}/cancel", h.CancelSubscriptionHandler).Methods(http.MethodPost)

	v1.HandleFunc("/invoices", h.CreateInvoiceHandler).Methods(http.MethodPost)
	v1.HandleFunc("/invoices", h.ListInvoicesHandler).Methods(http.MethodGet)
	v1.HandleFunc("/invoices/process_due", h.ProcessDueInvoicesHandler).Methods(http.MethodPost)
	v1.HandleFunc("/invoices/{id}/pay", h.PayInvoiceHandler).Methods(http.MethodPost)
	v1.HandleFunc("/invoices/{id}/cancel", h.CancelInvoiceHandler).Methods(http.MethodPost)
	v1.HandleFunc("/mandates", h.UpsertMandateHandler).Methods(http.MethodPost)
	v1.HandleFunc("/mandates", h.ListMandatesHandler).Methods(http.MethodGet)
	v1.HandleFunc("/mandates/{issuer}", h.DeleteMandateHandler).Methods(http.MethodDelete)

	v1.HandleFunc("/webhooks/endpoints", h.RegisterEndpointHandler).Methods(http.MethodPost)
	v1.HandleFunc("/webhooks/endpoints", h.ListEndpointsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/webhooks/endpoints/{id}/deactivate", h.DeactivateEndpointHandler).Methods(http.MethodPost)
	v1.HandleFunc("/webhooks/test", h.SendTestHandler).Methods(http.MethodPost)
	v1.HandleFunc("/webhooks/deliveries", h.ListDeliveriesHandler).Methods(http.MethodGet)
	v1.HandleFunc("/webhooks/deliveries/{id}/requeue", h.RequeueHandler).Methods(http.MethodPost)
	v1.HandleFunc("/webhooks/process_once", h.ProcessOnceHandler).Methods(http.MethodPost)

	in := r.PathPrefix("/internal").Subrouter()
	in.Use(hmac.Middleware(h.respondWithError))
	in.HandleFunc("/requests", h.InternalCreateRequestHandler).Methods(http.MethodPost)
	in.HandleFunc("/requests/{id}", h.InternalGetRequestHandler).Methods(http.MethodGet)
	in.HandleFunc("/invoices", h.InternalCreateInvoiceHandler).Methods(http.MethodPost)
	in.HandleFunc("/transfer", h.InternalTransferHandler).Methods(http.MethodPost)
	in.HandleFunc("/wallet", h.InternalWalletHandler).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.respondWithError(w, r, domain.Errorf(domain.CodeNotFound, "route not found"))
	})
	return r
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// actor returns the authenticated caller. The JWT middleware guarantees it
// on /api/v1 routes.
func actor(r *http.Request) domain.Actor {
	a, _ := auth.ActorFromContext(r.Context())
	return a
}
