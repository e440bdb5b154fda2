package canonical

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/certen/privacy-witness-kernel/pkg/checkpoint"
	"github.com/certen/privacy-witness-kernel/pkg/eventlog"
)

// ExportedEvent is one event-chain entry as it appears in an export
// bundle: the bucket is whatever the source reported (already jittered,
// if the source applies jitter), and the hash fields are hex-encoded so
// the bundle is self-contained JSON rather than relying on a side
// channel for binary fields.
type ExportedEvent struct {
	Seq       uint64 `json:"seq"`
	Payload   []byte `json:"payload"`
	PrevHash  string `json:"prev_hash"`
	EntryHash string `json:"entry_hash"`
	Signature string `json:"signature"`
	Bucket    uint32 `json:"bucket"`
}

// ExportedCheckpoint mirrors checkpoint.Checkpoint with hex-encoded hash
// fields for the same reason.
type ExportedCheckpoint struct {
	CheckpointSeq    uint64 `json:"checkpoint_seq"`
	CoversThroughSeq uint64 `json:"covers_through_seq"`
	ChainHeadHash    string `json:"chain_head_hash"`
	PrevHash         string `json:"prev_hash"`
	EntryHash        string `json:"entry_hash"`
	Signature        string `json:"signature"`
	Bucket           uint32 `json:"bucket"`
}

// ExportBundle is the JSON artifact spec §6.2's export_bundle produces: a
// jittered event window plus the full checkpoint chain, self-contained
// enough for an external tool to re-check the exported slice's hash
// linkage without trusting whoever exported it. pkg/verifier does not read
// bundles; it verifies a sqlite file.
type ExportBundle struct {
	FromBucket  uint32               `json:"from_bucket"`
	ToBucket    uint32               `json:"to_bucket"`
	Events      []ExportedEvent      `json:"events"`
	Checkpoints []ExportedCheckpoint `json:"checkpoints"`
}

// BuildExportBundle lists events in [fromBucket, toBucket] (jittered by
// ListEvents) and attaches the full checkpoint chain, then returns the
// bundle as indented JSON.
func BuildExportBundle(ctx context.Context, store *eventlog.Store, cpEngine *checkpoint.Engine, fromBucket, toBucket uint32, limit int, bucketSizeS int64) ([]byte, error) {
	events, err := store.ListEvents(ctx, fromBucket, toBucket, limit, bucketSizeS)
	if err != nil {
		return nil, fmt.Errorf("canonical: list events for export: %w", err)
	}
	chain, err := cpEngine.GetCheckpointChain(ctx)
	if err != nil {
		return nil, fmt.Errorf("canonical: read checkpoint chain for export: %w", err)
	}

	bundle := ExportBundle{
		FromBucket:  fromBucket,
		ToBucket:    toBucket,
		Events:      make([]ExportedEvent, 0, len(events)),
		Checkpoints: make([]ExportedCheckpoint, 0, len(chain)),
	}
	for _, e := range events {
		bundle.Events = append(bundle.Events, ExportedEvent{
			Seq:       e.Seq,
			Payload:   e.Payload,
			PrevHash:  hex.EncodeToString(e.PrevHash[:]),
			EntryHash: hex.EncodeToString(e.EntryHash[:]),
			Signature: hex.EncodeToString(e.Signature),
			Bucket:    e.Bucket,
		})
	}
	for _, cp := range chain {
		bundle.Checkpoints = append(bundle.Checkpoints, ExportedCheckpoint{
			CheckpointSeq:    cp.CheckpointSeq,
			CoversThroughSeq: cp.CoversThroughSeq,
			ChainHeadHash:    hex.EncodeToString(cp.ChainHeadHash[:]),
			PrevHash:         hex.EncodeToString(cp.PrevHash[:]),
			EntryHash:        hex.EncodeToString(cp.EntryHash[:]),
			Signature:        hex.EncodeToString(cp.Signature),
			Bucket:           cp.Bucket,
		})
	}

	out, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal export bundle: %w", err)
	}
	return out, nil
}
