package database

import "errors"

// Sentinel errors shared by every component's repository-style queries
// against the embedded store.
var (
	ErrNotFound             = errors.New("entity not found")
	ErrDeviceNotProvisioned = errors.New("device metadata not provisioned")
)
