// Package idgen provides cryptographically random record identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Record prefixes. Stored IDs are prefix + 24 hex chars.
const (
	PrefixLeadCharge = "lc_"
	PrefixDispute    = "dsp_"
	PrefixHistory    = "ph_"
	PrefixRequest    = "req_"
	PrefixNotify     = "ntf_"
)

// WithPrefix generates a random ID with a prefix (e.g. "lc_", "dsp_").
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
