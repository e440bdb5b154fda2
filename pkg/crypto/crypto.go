// Package crypto implements the Privacy Witness Kernel's primitive
// cryptographic operations (C2): domain-separated hashing, Ed25519
// sign/verify, and key derivation from an operator-supplied seed.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Domain strings. Every hash chained into one of the kernel's three chains
// is computed under exactly one of these, so a signature or hash produced
// for one purpose can never be replayed as another.
const (
	DomainEvent      = "pwk:event:v1"
	DomainCheckpoint = "pwk:checkpoint:v1"
	DomainReceipt    = "pwk:receipt:v1"
	DomainApprovals  = "pwk:approvals:v1"

	// DomainQuorumPolicy binds the live quorum configuration into a single
	// hash anchored in device_metadata at provisioning, so an operator
	// cannot silently loosen the quorum by editing config at restart.
	DomainQuorumPolicy = "pwk:quorum-policy:v1"

	// DomainDeviceMetadata is the self-signature domain over the device's
	// own provisioning record (public key, ruleset, kernel version, quorum
	// policy hash, provisioning bucket) — the verifier's trust root.
	DomainDeviceMetadata = "pwk:device-metadata:v1"
)

const (
	logSigningKeyInfo = "pwk:log-signing-key"
	vaultKeyInfo      = "pwk:vault-key"
	minSeedLen        = 32
)

var weakSeeds = map[string]struct{}{
	"":              {},
	"changeme":      {},
	"change-me":     {},
	"default":       {},
	"defaultseed":   {},
	"test":          {},
	"testseed":      {},
	"password":      {},
	"secret":        {},
	"00000000000000000000000000000000": {},
}

// ErrWeakSeed is returned when a device key seed matches a known
// placeholder value or is too short to carry 32 bytes of entropy.
var ErrWeakSeed = errors.New("crypto: seed is too short or matches a known default value")

// DomainHash computes SHA-256(domain || 0x00 || parts...), the kernel-wide
// domain-separation construction used for every chained hash.
func DomainHash(domain string, parts ...[]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Sign signs msg with sk. Named rather than inlined so every signing call
// site in the kernel is a single grep target.
func Sign(sk ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(sk, msg)
}

// Verify reports whether sig is a valid Ed25519 signature over msg by pk.
func Verify(pk ed25519.PublicKey, msg, sig []byte) bool {
	if len(pk) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pk, msg, sig)
}

// QuorumPolicyHash binds the M-of-N threshold and approval window into one
// hash, so the policy anchored at provisioning can be recomputed from live
// config and compared rather than merely stored.
func QuorumPolicyHash(quorumM int, approvalWindowS int64) [32]byte {
	var mBuf, windowBuf [8]byte
	binary.BigEndian.PutUint64(mBuf[:], uint64(quorumM))
	binary.BigEndian.PutUint64(windowBuf[:], uint64(approvalWindowS))
	return DomainHash(DomainQuorumPolicy, mBuf[:], windowBuf[:])
}

// DeviceMetadataHash binds the device's provisioning record into the hash a
// fresh device signs over itself, and that the verifier recomputes to check
// the self-signature before trusting the rest of the record.
func DeviceMetadataHash(pk ed25519.PublicKey, rulesetID, kernelVersion string, quorumPolicyHash [32]byte, provisionBucket uint32) [32]byte {
	var bucketBuf [8]byte
	binary.BigEndian.PutUint64(bucketBuf[:], uint64(provisionBucket))
	return DomainHash(DomainDeviceMetadata, pk, []byte(rulesetID), []byte(kernelVersion), quorumPolicyHash[:], bucketBuf[:])
}

// checkSeed rejects seeds that are too short or match a known placeholder.
func checkSeed(seed []byte) error {
	if len(seed) < minSeedLen {
		return ErrWeakSeed
	}
	if _, weak := weakSeeds[string(seed)]; weak {
		return ErrWeakSeed
	}
	return nil
}

// DeriveDeviceKeys derives the Ed25519 log-signing key pair and the vault
// AEAD key from a single operator seed, using HKDF-SHA256 with distinct
// info strings so that compromising the signing key alone never exposes
// the vault key.
//
// vaultSeed, if non-nil, is used in place of seed for the vault subkey,
// letting an operator keep log-signing and vault-sealing key material on
// separate entropy sources entirely.
func DeriveDeviceKeys(seed []byte, vaultSeed []byte) (ed25519.PrivateKey, [32]byte, error) {
	var vaultKey [32]byte

	if err := checkSeed(seed); err != nil {
		return nil, vaultKey, err
	}

	logSeed, err := hkdfExpand(seed, logSigningKeyInfo, ed25519.SeedSize)
	if err != nil {
		return nil, vaultKey, err
	}
	sk := ed25519.NewKeyFromSeed(logSeed)

	vSrc := seed
	if vaultSeed != nil {
		if err := checkSeed(vaultSeed); err != nil {
			return nil, vaultKey, err
		}
		vSrc = vaultSeed
	}
	vBytes, err := hkdfExpand(vSrc, vaultKeyInfo, 32)
	if err != nil {
		return nil, vaultKey, err
	}
	copy(vaultKey[:], vBytes)

	return sk, vaultKey, nil
}

func hkdfExpand(seed []byte, info string, size int) ([]byte, error) {
	r := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// KeyMaterial holds the device's live private key material in memory only.
// It is never serialized to disk post-provisioning and must be zeroized on
// shutdown.
type KeyMaterial struct {
	SigningKey ed25519.PrivateKey
	VaultKey   [32]byte
}

// Zeroize overwrites the in-memory key material. Call this exactly once,
// on shutdown.
func (k *KeyMaterial) Zeroize() {
	for i := range k.SigningKey {
		k.SigningKey[i] = 0
	}
	for i := range k.VaultKey {
		k.VaultKey[i] = 0
	}
}
