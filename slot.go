package glide

import "bytes"

// SlotCount is the number of hash slots in a cluster.
const SlotCount = 16384

var crc16tab [256]uint16

func init() {
	for i := range crc16tab {
		crc := uint16(i) << 8
		for b := 0; b < 8; b++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		crc16tab[i] = crc
	}
}

// crc16 is CRC16-CCITT (XMODEM), the checksum cluster slots are built on.
func crc16(b []byte) uint16 {
	var crc uint16
	for _, c := range b {
		crc = crc<<8 ^ crc16tab[byte(crc>>8)^c]
	}
	return crc
}

// hashTag returns the part of key that is hashed: the content of the first
// non-empty {...} section, or the whole key.
func hashTag(key []byte) []byte {
	start := bytes.IndexByte(key, '{')
	if start < 0 {
		return key
	}
	end := bytes.IndexByte(key[start+1:], '}')
	if end <= 0 {
		return key
	}
	return key[start+1 : start+1+end]
}

// KeySlot returns the cluster slot that owns key.
func KeySlot(key []byte) uint16 {
	return crc16(hashTag(key)) & (SlotCount - 1)
}
