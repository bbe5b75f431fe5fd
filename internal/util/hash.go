// Package util provides shared utility functions.
package util

import (
	"hash/fnv"

	"github.com/lucasb-eyer/go-colorful"
)

// goldenRatio spreads consecutive hashes evenly around the colour wheel.
const goldenRatio = 0.618033988749895

// IdentityHash computes a 4-byte fnv hash of a participant identity. The hash
// is used solely for derivations that every participant must agree on
// without coordination (colours, tie-breaks) and does not need to be
// reversible.
func IdentityHash(identity string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(identity))
	return h.Sum32()
}

// ColorForIdentity returns a stable hex colour for a participant. Every peer
// computes the same colour for the same identity.
func ColorForIdentity(identity string) string {
	hue := float64(IdentityHash(identity)) * goldenRatio
	hue = hue - float64(int64(hue)) // keep fractional part
	return colorful.Hsl(hue*360, 0.85, 0.55).Hex()
}
