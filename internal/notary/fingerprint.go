// Package notary fingerprints alert lifecycle transitions and anchors the
// fingerprints with an external ledger. Anchoring is asynchronous and never
// blocks or fails the alert lifecycle.
package notary

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"bridgewatch/internal/domain"
)

// scoreScale is the number of decimal places kept when binding floats.
const scoreScale = 6

var fingerprintArgs = mustArguments(
	"string", // alert id
	"string", // event
	"int64",  // unix nanos
	"string", // asset id
	"int256", // shi * 1e6
	"int256", // confidence * 1e6
	"string", // status band
	"uint64", // sample count
	"string", // severity
)

func mustArguments(types ...string) abi.Arguments {
	args := make(abi.Arguments, 0, len(types))
	for _, t := range types {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic("failed to build fingerprint arguments: " + err.Error())
		}
		args = append(args, abi.Argument{Type: typ})
	}
	return args
}

// Request is everything a fingerprint binds.
type Request struct {
	AlertID  string            `json:"alert_id"`
	Event    domain.AuditEvent `json:"event"`
	Severity domain.Severity   `json:"severity"`
	At       time.Time         `json:"at"`
	Snapshot domain.Snapshot   `json:"snapshot"`
}

// Record is a fingerprinted request awaiting anchoring.
type Record struct {
	Request
	Fingerprint common.Hash `json:"fingerprint"`
}

// Encode returns the canonical ABI encoding of r.
func Encode(r Request) ([]byte, error) {
	count := r.Snapshot.SampleCount
	if count < 0 {
		count = 0
	}
	packed, err := fingerprintArgs.Pack(
		r.AlertID,
		string(r.Event),
		r.At.UTC().UnixNano(),
		r.Snapshot.AssetID,
		fixedPoint(r.Snapshot.SHI),
		fixedPoint(r.Snapshot.Confidence),
		string(r.Snapshot.Status),
		uint64(count),
		string(r.Severity),
	)
	if err != nil {
		return nil, fmt.Errorf("encode fingerprint request: %w", err)
	}
	return packed, nil
}

// Fingerprint is the Keccak-256 hash of the canonical encoding.
func Fingerprint(r Request) (common.Hash, error) {
	packed, err := Encode(r)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

// Verify recomputes the fingerprint of r and compares it with hexHash.
func Verify(r Request, hexHash string) bool {
	fp, err := Fingerprint(r)
	if err != nil {
		return false
	}
	return fp == common.HexToHash(hexHash)
}

func fixedPoint(v float64) *big.Int {
	return decimal.NewFromFloat(domain.Clamp(v, -1e12, 1e12)).Shift(scoreScale).Round(0).BigInt()
}
