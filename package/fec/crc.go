package fec

import (
	"hash/crc32"

	"github.com/sigurn/crc8"
)

var (
	castagnoli = crc32.MakeTable(crc32.Castagnoli)
	maxim      = crc8.MakeTable(crc8.CRC8_MAXIM)
)

// ComputeCRC is CRC-32C over data.
func ComputeCRC(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// ComputeCRCParts is CRC-32C over the concatenation of parts.
func ComputeCRCParts(parts ...[]byte) uint32 {
	var crc uint32
	for _, p := range parts {
		crc = crc32.Update(crc, castagnoli, p)
	}
	return crc
}

func VerifyCRC(data []byte, crc uint32) bool {
	return ComputeCRC(data) == crc
}

// HeaderCheck is the CRC-8/MAXIM used on fixed-size headers.
func HeaderCheck(data []byte) byte {
	return crc8.Checksum(data, maxim)
}
