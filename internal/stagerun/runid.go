package stagerun

import (
	"fmt"
	"math/bits"
	"os"
	"sync/atomic"
	"time"
)

// Run ids must sort lexicographically in creation order and be unique
// across concurrently building processes. The id is a 128-bit value of
// (nanosecond timestamp << 32) | (pid << 16) | (sequence & 0xFFFF), encoded
// in base62 with the digits ordered so that lexicographic comparison
// matches numeric comparison. The process-wide sequence counter only breaks
// ties within the same nanosecond on the same pid.

const runIDSaltBits = 32

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

var runIDCounter uint64

// NewRunID generates a sortable stage run identifier.
func NewRunID() (string, error) {
	nanos := uint64(time.Now().UnixNano())
	pid := uint64(os.Getpid())
	seq := atomic.AddUint64(&runIDCounter, 1) - 1

	hi := nanos >> (64 - runIDSaltBits)
	lo := nanos<<runIDSaltBits | pid<<16 | seq&0xFFFF

	id := base62Encode128(hi, lo)
	if len(id) > 20 {
		return "", fmt.Errorf("stage run id overflow: %q", id)
	}
	return id, nil
}

// base62Encode128 encodes a 128-bit value given as two 64-bit halves,
// stripping leading zero digits but keeping at least one.
func base62Encode128(hi, lo uint64) string {
	if hi == 0 && lo == 0 {
		return "0"
	}
	var buf [22]byte
	i := len(buf)
	for hi != 0 || lo != 0 {
		// digit-wise long division of the 128-bit value by 62
		hiQ := hi / 62
		loQ, rem := bits.Div64(hi%62, lo, 62)
		hi, lo = hiQ, loQ
		i--
		buf[i] = base62Alphabet[rem]
	}
	return string(buf[i:])
}
