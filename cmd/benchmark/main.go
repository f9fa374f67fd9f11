package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/walletcore/pkg/logger"
)

var (
	targetURL   string
	tokensFile  string
	concurrency int
	duration    time.Duration
	workload    string
	replayRate  float64
)

var (
	totalRequests uint64
	success200    uint64 // replays
	success201    uint64
	fail409       uint64
	fail422       uint64
	failOther     uint64
)

var log = logger.New("walletcore-benchmark")

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API base URL")
	flag.StringVar(&tokensFile, "tokens", "tokens.json", "Bearer tokens written by the seeder")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.Float64Var(&replayRate, "replay", 0, "Fraction of requests that resend the previous key")
}

func main() {
	flag.Parse()

	tokens, owners, err := loadTokens(tokensFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load tokens")
	}
	if len(owners) < 2 {
		log.Fatal().Int("owners", len(owners)).Msg("need at least two seeded owners")
	}
	log.Info().Str("workload", workload).Int("workers", concurrency).Dur("duration", duration).Msg("starting benchmark")

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, tokens, owners)
	}
	wg.Wait()
	printResults(time.Since(start))
}

func loadTokens(path string) (map[string]string, []string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var tokens map[string]string
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	owners := make([]string, 0, len(tokens))
	for owner := range tokens {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return tokens, owners, nil
}

func worker(wg *sync.WaitGroup, start time.Time, tokens map[string]string, owners []string) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}
	var lastKey string
	var lastBody []byte
	var lastFrom string

	for time.Since(start) < duration {
		from, to := pickOwners(owners)
		key := fmt.Sprintf("bench-%s-%s-%d", from, to, time.Now().UnixNano())
		body, _ := json.Marshal(map[string]any{"to": to, "amount_cents": 100})

		if lastKey != "" && rand.Float64() < replayRate {
			key, body, from = lastKey, lastBody, lastFrom
		}
		lastKey, lastBody, lastFrom = key, body, from

		req, _ := http.NewRequest(http.MethodPost, targetURL+"/api/v1/wallet/transfer", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+tokens[from])
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&success201, 1)
		case http.StatusOK:
			atomic.AddUint64(&success200, 1)
		case http.StatusConflict:
			atomic.AddUint64(&fail409, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&fail422, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func pickOwners(owners []string) (string, string) {
	if workload == "hotspot" && rand.Float32() < 0.90 {
		// 90% of traffic moves money between the first two wallets.
		if rand.Float32() < 0.5 {
			return owners[0], owners[1]
		}
		return owners[1], owners[0]
	}
	a := rand.Intn(len(owners))
	b := rand.Intn(len(owners))
	for a == b {
		b = rand.Intn(len(owners))
	}
	return owners[a], owners[b]
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	f409 := atomic.LoadUint64(&fail409)

	var abortRate float64
	if total > 0 {
		abortRate = float64(f409) / float64(total) * 100
	}
	results := map[string]any{
		"workload":              workload,
		"duration_sec":          d.Seconds(),
		"total_requests":        total,
		"throughput_tps":        float64(total) / d.Seconds(),
		"success_created":       atomic.LoadUint64(&success201),
		"success_replay":        atomic.LoadUint64(&success200),
		"aborts_conflict":       f409,
		"abort_rate_pct":        abortRate,
		"insufficient_or_limit": atomic.LoadUint64(&fail422),
		"errors":                atomic.LoadUint64(&failOther),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Error().Err(err).Msg("save results")
		return
	}
	defer file.Close()
	_ = json.NewEncoder(file).Encode(results)
}
