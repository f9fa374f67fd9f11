// Package webhook delivers signed event notifications to endpoints registered
// by wallet owners, retrying failures with exponential backoff.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/punchamoorthee/walletcore/internal/clock"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/retry"
	"github.com/punchamoorthee/walletcore/internal/store"
)

const maxErrorLength = 500

var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletcore",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by lifecycle status",
	}, []string{"status"})

	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletcore",
		Subsystem: "webhook",
		Name:      "attempts_total",
		Help:      "Webhook delivery attempts by result",
	}, []string{"result"})

	attemptLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "walletcore",
		Subsystem: "webhook",
		Name:      "attempt_duration_seconds",
		Help:      "Latency of webhook POSTs",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})
)

type Config struct {
	// Backoff schedules the attempt after the n-th failure at
	// BaseDelay*Factor^(n-1); MaxAttempts failures fail the delivery.
	Backoff retry.Policy
	// DisableAfterFails deactivates an endpoint once a delivery to it fails
	// this many attempts. Zero never disables.
	DisableAfterFails int
	Timeout           time.Duration
	// Lease hides claimed deliveries from other workers while in flight.
	Lease time.Duration
	// AllowInsecure permits plain http endpoints.
	AllowInsecure bool
}

func DefaultConfig() Config {
	return Config{
		Backoff: retry.Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, Factor: 2},
		Timeout: 5 * time.Second,
		Lease:   time.Minute,
	}
}

type Dispatcher struct {
	store  store.Store
	outbox *Outbox
	client *http.Client
	clock  clock.Clock
	cfg    Config
	log    zerolog.Logger
}

func NewDispatcher(s store.Store, clk clock.Clock, cfg Config, log zerolog.Logger) *Dispatcher {
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Dispatcher{
		store:  s,
		outbox: NewOutbox(clk),
		client: &http.Client{Timeout: cfg.Timeout},
		clock:  clk,
		cfg:    cfg,
		log:    log,
	}
}

// Outbox returns the publisher that queues deliveries for this dispatcher.
func (d *Dispatcher) Outbox() *Outbox {
	return d.outbox
}

// Stats summarizes one ProcessOnce pass.
type Stats struct {
	Claimed   int `json:"claimed"`
	Delivered int `json:"delivered"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
	Stale     int `json:"stale"`
}

// ProcessOnce claims up to limit due deliveries and attempts each once.
func (d *Dispatcher) ProcessOnce(ctx context.Context, limit int) (Stats, error) {
	var batch []domain.WebhookDelivery
	err := d.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		batch, err = tx.ClaimDueDeliveries(ctx, d.clock.Now(), d.cfg.Lease, limit)
		return err
	})
	if err != nil {
		return Stats{}, fmt.Errorf("claim deliveries: %w", err)
	}

	stats := Stats{Claimed: len(batch)}
	for _, del := range batch {
		status, finished, err := d.attempt(ctx, del)
		if err != nil {
			return stats, err
		}
		switch {
		case !finished:
			stats.Stale++
		case status == domain.DeliveryDelivered:
			stats.Delivered++
		case status == domain.DeliveryFailed:
			stats.Failed++
		default:
			stats.Retrying++
		}
	}
	return stats, nil
}

// Drain runs passes until nothing is due or maxCycles passes ran.
func (d *Dispatcher) Drain(ctx context.Context, batch, maxCycles int) (Stats, error) {
	var total Stats
	for i := 0; i < maxCycles; i++ {
		st, err := d.ProcessOnce(ctx, batch)
		total.Claimed += st.Claimed
		total.Delivered += st.Delivered
		total.Retrying += st.Retrying
		total.Failed += st.Failed
		total.Stale += st.Stale
		if err != nil || st.Claimed == 0 {
			return total, err
		}
	}
	return total, nil
}

// Run processes deliveries every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration, batch int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.ProcessOnce(ctx, batch); err != nil {
				d.log.Error().Err(err).Msg("webhook pass failed")
			}
		}
	}
}

// attempt posts one claimed delivery and records the outcome. finished is
// false when another worker already finalized the delivery.
func (d *Dispatcher) attempt(ctx context.Context, del domain.WebhookDelivery) (domain.DeliveryStatus, bool, error) {
	var ep *domain.WebhookEndpoint
	err := d.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		ep, err = tx.Endpoint(ctx, del.EndpointID)
		return err
	})

	var sendErr error
	switch {
	case domain.CodeOf(err) == domain.CodeNotFound:
		ep, sendErr = nil, errors.New("endpoint_missing")
	case err != nil:
		return "", false, err
	case !ep.Active:
		sendErr = errors.New("endpoint_inactive")
	default:
		sendErr = d.post(ctx, ep, del)
	}

	expected := del.AttemptCount
	now := d.clock.Now()
	next := del
	if sendErr == nil {
		next.Status = domain.DeliveryDelivered
		next.DeliveredAt = &now
		next.NextAttemptAt = nil
		next.LastError = ""
		attemptsTotal.WithLabelValues("success").Inc()
	} else {
		next.AttemptCount++
		next.LastError = truncate(sendErr.Error(), maxErrorLength)
		if ep == nil || d.cfg.Backoff.Exhausted(next.AttemptCount) {
			next.Status = domain.DeliveryFailed
			next.NextAttemptAt = nil
		} else {
			at := now.Add(d.cfg.Backoff.Delay(next.AttemptCount))
			next.NextAttemptAt = &at
		}
		attemptsTotal.WithLabelValues("error").Inc()
	}

	var finished bool
	err = d.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		finished, err = tx.FinishDelivery(ctx, &next, expected)
		if err != nil || !finished || ep == nil {
			return err
		}
		limit := d.cfg.DisableAfterFails
		if next.Status == domain.DeliveryFailed && limit > 0 && next.AttemptCount >= limit && ep.Active {
			ep.Active = false
			return tx.UpdateEndpoint(ctx, ep)
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("finish delivery %s: %w", del.ID, err)
	}

	if finished && next.Status != domain.DeliveryPending {
		deliveriesTotal.WithLabelValues(string(next.Status)).Inc()
	}
	ev := d.log.Debug()
	if sendErr != nil {
		ev = d.log.Warn().Err(sendErr)
	}
	ev.Str("delivery_id", del.ID).
		Int64("endpoint_id", del.EndpointID).
		Int("attempt", next.AttemptCount).
		Str("status", string(next.Status)).
		Bool("finished", finished).
		Msg("webhook attempt")
	return next.Status, finished, nil
}

func (d *Dispatcher) post(ctx context.Context, ep *domain.WebhookEndpoint, del domain.WebhookDelivery) error {
	if err := d.checkURL(ep.URL); err != nil {
		return err
	}
	ts := strconv.FormatInt(d.clock.Now().Unix(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(del.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderEvent, del.EventType)
	req.Header.Set(HeaderSignature, Sign(ep.Secret, ts, del.EventType, del.Payload))
	req.Header.Set(HeaderDeliveryID, del.ID)

	timer := prometheus.NewTimer(attemptLatency)
	resp, err := d.client.Do(req)
	timer.ObserveDuration()
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return errors.New("invalid endpoint url")
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if d.cfg.AllowInsecure {
			return nil
		}
		return errors.New("insecure endpoint url")
	}
	return fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
