// Package main is a diagnostic tool that checks live signing data for consistency. It
// connects with the server's configuration, reports contracts whose status disagrees with
// their stored artifacts, and re-hashes every stored artifact against the checksum recorded
// when it was uploaded. The binary exits non-zero on any finding so it can gate deployments
// or run as a scheduled job.
//
// Usage:
//
//	CONFIG_PATH=config.yaml check-db [-skip-artifacts]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"

	"github.com/membershiphub/esign/internal/artifact"
	"github.com/membershiphub/esign/internal/config"
	"github.com/membershiphub/esign/internal/crypto"
	"github.com/membershiphub/esign/internal/db"
	"github.com/membershiphub/esign/internal/db/repositories"
	"github.com/membershiphub/esign/internal/storage"
	"github.com/membershiphub/esign/internal/telemetry"

	_ "github.com/membershiphub/esign/internal/storage/azure"
	_ "github.com/membershiphub/esign/internal/storage/gcs"
	_ "github.com/membershiphub/esign/internal/storage/local"
	_ "github.com/membershiphub/esign/internal/storage/minio"
	_ "github.com/membershiphub/esign/internal/storage/s3"
)

var errFindings = errors.New("consistency check failed")

func main() {
	skipArtifacts := flag.Bool("skip-artifacts", false, "only check contract status against artifact presence")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall time limit")
	flag.Parse()

	if err := run(*skipArtifacts, *timeout); err != nil {
		slog.Error("check-db", "error", err)
		os.Exit(1)
	}
}

func run(skipArtifacts bool, timeout time.Duration) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level, cfg.Logging.Output)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	database, err := db.Connect(ctx, cfg.Database.GetDSN(), 2, 1)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := repositories.NewContractRepository(sqlx.NewDb(database, "postgres"))
	fieldCipher, err := crypto.FromConfig(cfg.Security.Encryption)
	if err != nil {
		return fmt.Errorf("invalid signature encryption key: %w", err)
	}
	if fieldCipher != nil {
		repo.WithSealer(fieldCipher)
	}
	findings := 0

	ids, err := repo.ListCompletionMismatches(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		slog.Warn("contract status disagrees with stored artifacts", "contract_id", id)
	}
	findings += len(ids)
	fmt.Printf("completion mismatches: %d\n", len(ids))

	if !skipArtifacts {
		backend, err := storage.NewStorage(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialise storage: %w", err)
		}
		bad, checked, err := verifyArtifacts(ctx, repo, artifact.New(backend, cfg.Signing.ArtifactUploadTimeout, cfg.Signing.ArtifactURLTTL))
		if err != nil {
			return err
		}
		findings += bad
		fmt.Printf("artifacts checked: %d, failed: %d\n", checked, bad)
	}

	if findings > 0 {
		return fmt.Errorf("%w: %d finding(s)", errFindings, findings)
	}
	return nil
}

func verifyArtifacts(ctx context.Context, repo *repositories.ContractRepository, store *artifact.Store) (bad, checked int, err error) {
	sigs, err := repo.ListArtifactSignatures(ctx)
	if err != nil {
		return 0, 0, err
	}

	for _, sig := range sigs {
		checked++
		if sig.ArtifactChecksum == nil || *sig.ArtifactChecksum == "" {
			bad++
			slog.Warn("artifact has no recorded checksum", "contract_id", sig.ContractID, "path", *sig.ArtifactPath)
			continue
		}
		ok, err := store.Verify(ctx, *sig.ArtifactPath, *sig.ArtifactChecksum)
		if err != nil {
			bad++
			slog.Warn("artifact could not be read", "contract_id", sig.ContractID, "path", *sig.ArtifactPath, "error", err)
			continue
		}
		if !ok {
			bad++
			slog.Warn("artifact checksum mismatch", "contract_id", sig.ContractID, "path", *sig.ArtifactPath)
		}
	}
	return bad, checked, nil
}
