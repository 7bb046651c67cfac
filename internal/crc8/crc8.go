// Package crc8 implements the 8-bit CRC used to hash record keys.
package crc8

// The 0xD5 polynomial has a better Hamming distance at short message lengths
// than the CCITT 0x07 polynomial, which matters for a single-byte filter.
const polynomial = 0xD5

var table [256]byte

func init() {
	for i := 0; i < 256; i++ {
		crc := byte(i)
		for b := 0; b < 8; b++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ polynomial
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
}

// Checksum returns the CRC-8 of data.
func Checksum(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc = table[crc^b]
	}
	return crc
}
