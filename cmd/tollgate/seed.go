package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/tollgate/tollgate/internal/archive"
	"github.com/tollgate/tollgate/internal/auth"
	"github.com/tollgate/tollgate/internal/config"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed demo archive data and print bootstrap credentials",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

var demoEndpoints = []struct {
	id     string
	user   string
	status int
	cost   int64
}{
	{"weather-forecast", "demo-user", 200, 50},
	{"weather-forecast", "demo-user", 200, 50},
	{"geo-lookup", "demo-user", 200, 120},
	{"geo-lookup", "acme-batch", 404, 120},
	{"fx-rates", "acme-batch", 200, 75},
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := archive.NewStore(pool)

	// Check if seed has already run.
	summary, err := store.GetSummary(ctx, archive.Query{})
	if err != nil {
		return fmt.Errorf("checking existing archive rows: %w", err)
	}
	if summary.TotalRequests > 0 {
		slog.Info("demo data already exists, skipping seed")
		return nil
	}

	now := time.Now()
	rows := make([]archive.Row, 0, len(demoEndpoints))
	for i, d := range demoEndpoints {
		rows = append(rows, archive.Row{
			RequestID:    uuid.NewString(),
			User:         d.user,
			Endpoint:     d.id,
			Timestamp:    now.Add(-time.Duration(i) * time.Minute),
			RequestCount: 1,
			ResponseTime: int64(40 + 15*i),
			StatusCode:   d.status,
			Cost:         d.cost,
			Billed:       true,
		})
	}
	if err := store.BatchInsert(ctx, rows); err != nil {
		return fmt.Errorf("inserting demo rows: %w", err)
	}
	slog.Info("seeded archive rows", "count", len(rows))

	// Bootstrap credentials: an operator key hash for the config file and a
	// caller API key. Both plaintexts are printed exactly once.
	adminKey, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating admin key: %w", err)
	}
	adminHash, err := auth.HashAdminKey(plaintext)
	if err != nil {
		return fmt.Errorf("hashing admin key: %w", err)
	}

	fmt.Printf("\n=== Demo Data Seeded ===\n")
	fmt.Printf("Archive rows:   %d\n", len(rows))
	fmt.Printf("Admin key:      %s (prefix %s)\n", plaintext, adminKey.Prefix)
	fmt.Printf("Admin key hash: %s\n", adminHash)
	fmt.Printf("\nPut the hash in configs/tollgate.yaml under auth.admin_key_hash,\n")
	fmt.Printf("then issue caller keys with:\n")
	fmt.Printf("  curl -X POST -H 'Authorization: Bearer %s' \\\n", plaintext)
	fmt.Printf("       -d '{\"principal\":\"demo-user\"}' http://localhost:8080/api/v1/admin/keys\n")

	return nil
}
