package book

import (
	"hash/crc32"
	"strings"

	"github.com/shopspring/decimal"
)

// checksumDepth is the number of levels per side the exchange feeds into
// its book checksum: the 10 best asks ascending followed by the 10 best
// bids descending.
const checksumDepth = 10

// checksumDigits renders a decimal the way the checksum wants it: plain
// fixed-point (decimal.String never emits an exponent, so scientific
// notation from the wire is already normalized by parsing), decimal
// point removed, leading zeros stripped.
func checksumDigits(d decimal.Decimal) string {
	s := strings.Replace(d.String(), ".", "", 1)
	s = strings.TrimLeft(s, "0")
	return s
}

// checksum computes the CRC-32 of the top levels of both sides. Must be
// bit-exact against the exchange's own computation.
func checksum(asks, bids []level) uint32 {
	var sb strings.Builder
	for i := 0; i < len(asks) && i < checksumDepth; i++ {
		sb.WriteString(checksumDigits(asks[i].price))
		sb.WriteString(checksumDigits(asks[i].qty))
	}
	for i := 0; i < len(bids) && i < checksumDepth; i++ {
		sb.WriteString(checksumDigits(bids[i].price))
		sb.WriteString(checksumDigits(bids[i].qty))
	}
	return crc32.ChecksumIEEE([]byte(sb.String()))
}
