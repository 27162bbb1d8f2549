// Package crc implements the 16-bit checksum used by the whisper wire
// format. The polynomial and initial value must match the peer exactly;
// changing either breaks wire compatibility.
package crc

// Init is the fixed initial value of the running checksum.
const Init uint16 = 0xFFFF

// Update folds one byte into the running checksum.
func Update(crc uint16, b byte) uint16 {
	b = b ^ uint8(crc&0xFF)
	b = b ^ (b << 4)
	b16 := uint16(b)
	return (b16<<8 | crc>>8) ^ (b16 >> 4) ^ (b16 << 3)
}

// Checksum computes the checksum of data in one pass.
func Checksum(data []byte) uint16 {
	crc := Init
	for _, b := range data {
		crc = Update(crc, b)
	}
	return crc
}
