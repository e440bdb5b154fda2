// Command pwkd runs the Privacy Witness Kernel as a long-lived process:
// it opens the sealed log, checkpoint engine, vault, and break-glass
// engine against one sqlite file and keeps the checkpoint cadence
// running until signaled to stop.
package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/certen/privacy-witness-kernel/pkg/breakglass"
	"github.com/certen/privacy-witness-kernel/pkg/checkpoint"
	"github.com/certen/privacy-witness-kernel/pkg/config"
	"github.com/certen/privacy-witness-kernel/pkg/crypto"
	"github.com/certen/privacy-witness-kernel/pkg/database"
	"github.com/certen/privacy-witness-kernel/pkg/eventlog"
	"github.com/certen/privacy-witness-kernel/pkg/vault"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		dataDir  = flag.String("data-dir", "", "overrides PWK_DATA_DIR")
		showHelp = flag.Bool("help", false, "show help message")
	)
	flag.Parse()

	if *showHelp {
		flag.Usage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatalf("create data dir %s: %v", cfg.DataDir, err)
	}

	km, err := deviceKeys(cfg)
	if err != nil {
		log.Fatalf("derive device keys: %v", err)
	}
	defer km.Zeroize()

	dbPath := filepath.Join(cfg.DataDir, "pwk.db")
	db, err := database.Open(dbPath, database.WithLogger(
		log.New(log.Writer(), "[database] ", log.LstdFlags),
	))
	if err != nil {
		log.Fatalf("open database %s: %v", dbPath, err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pk := km.SigningKey.Public().(ed25519.PublicKey)
	if err := ensureDeviceProvisioned(ctx, db.Conn(), km.SigningKey, pk, cfg); err != nil {
		log.Fatalf("device provisioning: %v", err)
	}

	store, err := eventlog.Open(ctx, db, km.SigningKey, pk)
	if err != nil {
		log.Fatalf("open event log (quarantined=%v): %v", store != nil && store.Quarantined(), err)
	}
	log.Printf("event log opened, quarantined=%v", store.Quarantined())

	cpEngine := checkpoint.NewEngine(db, km.SigningKey, cfg.CheckpointEveryN)

	v, err := vault.Open(db.Conn(), km.VaultKey)
	if err != nil {
		log.Fatalf("open vault: %v", err)
	}

	bgEngine := breakglass.NewEngine(db, km.SigningKey, cfg.QuorumMOfN, cfg.BucketSizeS, false)

	log.Printf("pwkd ready, data dir %s", cfg.DataDir)

	ticker := time.NewTicker(time.Duration(cfg.BucketSizeS) * time.Second)
	defer ticker.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	bucket := uint32(time.Now().Unix() / cfg.BucketSizeS)
	for {
		select {
		case <-ticker.C:
			bucket++

			if cp, err := cpEngine.MaybeCheckpoint(ctx, bucket); err != nil {
				log.Printf("checkpoint cadence check failed: %v", err)
			} else if cp != nil {
				log.Printf("checkpoint issued: seq=%d covers_through=%d", cp.CheckpointSeq, cp.CoversThroughSeq)
			}

			if n, err := v.Expire(ctx, bucket); err != nil {
				log.Printf("vault expiry failed: %v", err)
			} else if n > 0 {
				log.Printf("vault expired %d envelope(s) at bucket %d", n, bucket)
			}

			if expired, err := bgEngine.ExpireStale(ctx, bucket); err != nil {
				log.Printf("break-glass expiry sweep failed: %v", err)
			} else if len(expired) > 0 {
				log.Printf("break-glass expired %d stale request(s)", len(expired))
			}

			retentionCutoff := bucket - uint32(cfg.RetentionBuckets)
			if n, err := cpEngine.Prune(ctx, retentionCutoff); err != nil {
				log.Printf("retention prune deferred: %v", err)
			} else if n > 0 {
				log.Printf("retention pruned %d event(s) below bucket %d", n, retentionCutoff)
			}
		case <-quit:
			log.Println("shutting down")
			return
		}
	}
}

// ensureDeviceProvisioned provisions device_metadata on first run, or, on
// every later run, checks the live config's quorum policy and device key
// against what was anchored at provisioning — refusing to start rather
// than let an operator silently downgrade the quorum by editing config.
func ensureDeviceProvisioned(ctx context.Context, conn *sql.DB, sk ed25519.PrivateKey, pk ed25519.PublicKey, cfg *config.Config) error {
	quorumHash := crypto.QuorumPolicyHash(cfg.QuorumMOfN, cfg.ApprovalWindowS)

	meta, err := database.LoadDeviceMetadata(ctx, conn)
	if err == database.ErrDeviceNotProvisioned {
		bucket := uint32(time.Now().Unix() / cfg.BucketSizeS)
		metaHash := crypto.DeviceMetadataHash(pk, cfg.RulesetID, cfg.KernelVersion, quorumHash, bucket)
		provision := &database.DeviceMetadata{
			PublicKey:          pk,
			RulesetID:          cfg.RulesetID,
			KernelVersion:      cfg.KernelVersion,
			QuorumPolicyHash:   quorumHash,
			ProvisionBucket:    bucket,
			ProvisionSignature: crypto.Sign(sk, metaHash[:]),
		}
		if err := database.Provision(ctx, conn, provision); err != nil {
			return err
		}
		log.Printf("device provisioned: ruleset=%s kernel=%s quorum=%d-of-N", cfg.RulesetID, cfg.KernelVersion, cfg.QuorumMOfN)
		return nil
	}
	if err != nil {
		return err
	}

	if !bytes.Equal(meta.PublicKey, pk) {
		return fmt.Errorf("device key does not match the key anchored at provisioning")
	}
	if meta.QuorumPolicyHash != quorumHash {
		return fmt.Errorf("live quorum policy (M=%d, window=%ds) does not match the policy anchored at provisioning", cfg.QuorumMOfN, cfg.ApprovalWindowS)
	}
	return nil
}

// deviceKeys derives the kernel's signing and vault keys from the
// configured seed(s). The seed never touches disk; only the derived
// signing key's public half is persisted, at provisioning time, into
// device_metadata.
func deviceKeys(cfg *config.Config) (*crypto.KeyMaterial, error) {
	var vaultSeed []byte
	if cfg.VaultKeySeed != "" {
		vaultSeed = []byte(cfg.VaultKeySeed)
	}
	sk, vaultKey, err := crypto.DeriveDeviceKeys([]byte(cfg.DeviceKeySeed), vaultSeed)
	if err != nil {
		return nil, err
	}
	pk := sk.Public().(ed25519.PublicKey)
	log.Printf("device public key: %s", hex.EncodeToString(pk))
	return &crypto.KeyMaterial{SigningKey: sk, VaultKey: vaultKey}, nil
}
