// Package crc has the additive checksums used by BMS link protocols.
package crc

// Sum8 is unsigned sum of all bytes modulo 256.
func Sum8(b []byte) byte {
	var sum byte
	for _, x := range b {
		sum += x
	}
	return sum
}

// Sum16 is unsigned sum of all bytes modulo 65536.
func Sum16(b []byte) uint16 {
	var sum uint16
	for _, x := range b {
		sum += uint16(x)
	}
	return sum
}
