package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/walletcore/internal/auth"
	"github.com/punchamoorthee/walletcore/internal/config"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/store"
	"github.com/punchamoorthee/walletcore/pkg/logger"
)

const seedPrefix = "seed:"

var (
	totalWallets   int
	initialBalance int64
	tokensFile     string
	tokenTTL       time.Duration
)

func init() {
	flag.IntVar(&totalWallets, "wallets", 1000, "Number of user wallets to create")
	flag.Int64Var(&initialBalance, "balance", 10000, "Opening balance in cents")
	flag.StringVar(&tokensFile, "tokens", "tokens.json", "Where to write bearer tokens for the seeded owners")
	flag.DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "Lifetime of the issued tokens")
}

func ownerID(i int) string {
	return fmt.Sprintf("user-%05d", i+1)
}

func main() {
	flag.Parse()
	log := logger.New("walletcore-seeder")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, cfg.DBSource)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to connect to database")
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, store.Schema); err != nil {
		log.Fatal().Err(err).Msg("apply schema")
	}

	var count int
	if err := conn.QueryRow(ctx, "SELECT COUNT(*) FROM wallets WHERE owner_id LIKE 'user-%'").Scan(&count); err != nil {
		log.Fatal().Err(err).Msg("count wallets")
	}
	if count >= totalWallets {
		log.Info().Int("wallets", count).Msg("already seeded, writing tokens only")
	} else if err := seed(ctx, conn, cfg.DefaultCurrency); err != nil {
		log.Fatal().Err(err).Msg("seed failed")
	} else {
		log.Info().Int("wallets", totalWallets).Int64("balance", initialBalance).Msg("seeded wallets")
	}

	if err := writeTokens(cfg.JWTSecret); err != nil {
		log.Fatal().Err(err).Msg("write tokens")
	}
	log.Info().Str("file", tokensFile).Msg("tokens written")
}

// seed bulk loads wallets with an opening topup each, so the ledger
// reconciles from the first request.
func seed(ctx context.Context, conn *pgx.Conn, currency string) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	owners := make([]string, totalWallets)
	rows := make([][]any, totalWallets)
	for i := range rows {
		owners[i] = ownerID(i)
		rows[i] = []any{owners[i], string(domain.WalletUser), currency, initialBalance, now}
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"wallets"},
		[]string{"owner_id", "kind", "currency", "balance", "created_at"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("copy wallets: %w", err)
	}

	ids, err := tx.Query(ctx, "SELECT id, owner_id FROM wallets WHERE owner_id = ANY($1)", owners)
	if err != nil {
		return err
	}
	type seeded struct {
		id    int64
		owner string
	}
	wallets, err := pgx.CollectRows(ids, func(row pgx.CollectableRow) (seeded, error) {
		var s seeded
		err := row.Scan(&s.id, &s.owner)
		return s, err
	})
	if err != nil {
		return fmt.Errorf("load wallet ids: %w", err)
	}

	transfers := make([][]any, len(wallets))
	for i, w := range wallets {
		transfers[i] = []any{w.id, initialBalance, currency, string(domain.KindTopup), seedPrefix + w.owner, now}
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"transfers"},
		[]string{"to_wallet_id", "amount", "currency", "kind", "reference", "created_at"},
		pgx.CopyFromRows(transfers),
	); err != nil {
		return fmt.Errorf("copy transfers: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (transfer_id, wallet_id, amount, created_at)
		SELECT t.id, t.to_wallet_id, t.amount, t.created_at
		FROM transfers t
		WHERE t.reference LIKE $1
		  AND NOT EXISTS (SELECT 1 FROM ledger_entries e WHERE e.transfer_id = t.id)`,
		seedPrefix+"%"); err != nil {
		return fmt.Errorf("opening entries: %w", err)
	}
	return tx.Commit(ctx)
}

func writeTokens(secret string) error {
	tokens := make(map[string]string, totalWallets)
	now := time.Now()
	for i := 0; i < totalWallets; i++ {
		tok, err := auth.IssueToken(secret, domain.Actor{ID: ownerID(i), KYCLevel: 1}, now, tokenTTL)
		if err != nil {
			return err
		}
		tokens[ownerID(i)] = tok
	}
	f, err := os.Create(tokensFile)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokens)
}
