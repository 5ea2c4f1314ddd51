package helpers

import (
	"math/rand"
	"time"
)

func RandUnix() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// FlipBit returns copy of b with one bit inverted.
func FlipBit(b []byte, bit int) []byte {
	out := append([]byte(nil), b...)
	out[bit/8] ^= 1 << uint(bit%8)
	return out
}
