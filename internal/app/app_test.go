package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/punchamoorthee/walletcore/internal/auth"
	"github.com/punchamoorthee/walletcore/internal/clock"
	"github.com/punchamoorthee/walletcore/internal/config"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/service"
	"github.com/punchamoorthee/walletcore/internal/store"
	"github.com/punchamoorthee/walletcore/pkg/logger"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:                "development",
		JWTSecret:          "jwt",
		InternalSecret:     "internal",
		InternalHMACWindow: time.Minute,
		DefaultCurrency:    "SYP",
		FeeWalletOwner:     "platform:fees",
		TopupEnabled:       true,
		QRExpiry:           15 * time.Minute,
		LinkExpiry:         24 * time.Hour,
		RequestExpiry:      30 * time.Minute,
		IdempotencyTTL:     24 * time.Hour,
		Webhook: config.WebhookConfig{
			BaseDelay:     time.Second,
			BackoffFactor: 2,
			MaxAttempts:   3,
			Timeout:       time.Second,
			BatchSize:     10,
			PollInterval:  time.Second,
		},
	}
}

func TestAssembleServesRequests(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	a, err := Assemble(context.Background(), testConfig(), store.NewMemory(), clk, logger.Nop())
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	defer a.Close()

	tok, err := auth.IssueToken("jwt", domain.Actor{ID: "alice", KYCLevel: 1}, clk.Now(), time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/wallet/topup", bytes.NewBufferString(`{"amount_cents":500}`))
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Idempotency-Key", "t1")
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("topup: %d %s", rec.Code, rec.Body.String())
	}
}

func TestTickRunsScheduledJobs(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	a, err := Assemble(context.Background(), testConfig(), store.NewMemory(), clk, logger.Nop())
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	ctx := context.Background()
	alice := domain.Actor{ID: "alice", KYCLevel: 1}

	if _, err := a.Service.CreateRequest(ctx, service.CreateRequestInput{
		Requester: "bob", RequesterKind: domain.WalletUser, Target: "alice", Amount: 100,
	}); err != nil {
		t.Fatalf("create request: %v", err)
	}
	clk.Advance(time.Hour)
	if err := a.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	list, err := a.Service.ListRequests(ctx, alice)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Status != domain.RequestExpired {
		t.Fatalf("request should be expired by the scheduler: %+v", list)
	}
}

func TestRunWorkersStopsWithContext(t *testing.T) {
	cfg := testConfig()
	cfg.SchedulerInterval = 10 * time.Millisecond
	a, err := Assemble(context.Background(), cfg, store.NewMemory(), clock.Real{}, logger.Nop())
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.RunWorkers(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop")
	}
}
