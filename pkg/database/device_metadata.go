package database

import (
	"context"
	"database/sql"
	"fmt"
)

// DeviceMetadata is the device's one-row provisioning record: its public
// key, ruleset/kernel identity, the quorum policy anchored at provisioning
// time, and a self-signature over all of the above.
type DeviceMetadata struct {
	PublicKey          []byte
	RulesetID          string
	KernelVersion      string
	QuorumPolicyHash   [32]byte
	ProvisionBucket    uint32
	ProvisionSignature []byte
}

// LoadDeviceMetadata reads the single device_metadata row. It returns
// ErrDeviceNotProvisioned if the device has never been provisioned.
func LoadDeviceMetadata(ctx context.Context, conn *sql.DB) (*DeviceMetadata, error) {
	var m DeviceMetadata
	var quorumHash []byte
	err := conn.QueryRowContext(ctx,
		`SELECT public_key, ruleset_id, kernel_version, quorum_policy_hash, provision_bucket, provision_signature
		 FROM device_metadata WHERE id = 1`,
	).Scan(&m.PublicKey, &m.RulesetID, &m.KernelVersion, &quorumHash, &m.ProvisionBucket, &m.ProvisionSignature)
	if err == sql.ErrNoRows {
		return nil, ErrDeviceNotProvisioned
	}
	if err != nil {
		return nil, fmt.Errorf("database: load device metadata: %w", err)
	}
	copy(m.QuorumPolicyHash[:], quorumHash)
	return &m, nil
}

// Provision inserts the device_metadata row. It is exactly-once: the
// table's id=1 check constraint means a second Provision call on an
// already-provisioned device fails as a constraint violation rather than
// silently overwriting the anchored record.
func Provision(ctx context.Context, conn *sql.DB, m *DeviceMetadata) error {
	_, err := conn.ExecContext(ctx,
		`INSERT INTO device_metadata (id, public_key, ruleset_id, kernel_version, quorum_policy_hash, provision_bucket, provision_signature)
		 VALUES (1, ?, ?, ?, ?, ?, ?)`,
		m.PublicKey, m.RulesetID, m.KernelVersion, m.QuorumPolicyHash[:], m.ProvisionBucket, m.ProvisionSignature,
	)
	if err != nil {
		return fmt.Errorf("database: provision device metadata: %w", err)
	}
	return nil
}
