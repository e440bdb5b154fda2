// Command pwk-verify independently re-checks a Privacy Witness Kernel
// sqlite file: the sealed event chain, the checkpoint chain, the
// break-glass receipt chain, and checkpoint coverage of retained events.
// It opens the database read-only and imports nothing from the kernel's
// own mutating packages, so it can audit a store without trusting the
// code that wrote it.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/certen/privacy-witness-kernel/pkg/verifier"
)

func main() {
	log.SetOutput(os.Stderr)
	log.SetFlags(0)

	var (
		dbPath    = flag.String("db", "", "path to the kernel's sqlite file (required)")
		pubKeyHex = flag.String("pubkey", "", "hex-encoded ed25519 public key override; defaults to the key recorded in device_metadata")
	)
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: pwk-verify -db <path> [-pubkey <hex>]")
		os.Exit(2)
	}

	var override ed25519.PublicKey
	if *pubKeyHex != "" {
		raw, err := hex.DecodeString(*pubKeyHex)
		if err != nil {
			log.Fatalf("invalid -pubkey: %v", err)
		}
		if len(raw) != ed25519.PublicKeySize {
			log.Fatalf("invalid -pubkey: want %d bytes, got %d", ed25519.PublicKeySize, len(raw))
		}
		override = ed25519.PublicKey(raw)
	}

	report, err := verifier.Verify(context.Background(), *dbPath, override)
	if err != nil {
		log.Fatalf("verify: %v", err)
	}

	fmt.Printf("events=%d checkpoints=%d receipts=%d\n", report.EventCount, report.CheckpointCount, report.ReceiptCount)
	if report.OK {
		fmt.Println("OK: all chains verify")
		return
	}

	fmt.Printf("FAIL: %s chain broken at seq %d: %s\n",
		report.FirstBreak.Chain, report.FirstBreak.Seq, report.FirstBreak.Reason)
	os.Exit(1)
}
