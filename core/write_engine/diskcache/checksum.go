package diskcache

import (
	"encoding/binary"
	"hash/crc32"
)

// MagicNumber is the sentinel at the start of every page on disk.
const MagicNumber uint64 = 0xFACB03FE

// PageSystemHeaderSize covers the 8-byte magic number and the 4-byte CRC32
// at the start of every page. The payload follows.
const PageSystemHeaderSize = 12

// stampPageHeader writes the magic number and the CRC32 of the payload into
// the page buffer. Called right before the buffer goes to disk.
func stampPageHeader(page []byte) {
	binary.BigEndian.PutUint64(page[0:8], MagicNumber)
	crc := crc32.ChecksumIEEE(page[PageSystemHeaderSize:])
	binary.BigEndian.PutUint32(page[8:PageSystemHeaderSize], crc)
}

// verifyPageHeader checks the stored magic number and CRC32 against the
// payload.
func verifyPageHeader(page []byte) (magicOK bool, crcOK bool) {
	magicOK = binary.BigEndian.Uint64(page[0:8]) == MagicNumber
	stored := binary.BigEndian.Uint32(page[8:PageSystemHeaderSize])
	crcOK = stored == crc32.ChecksumIEEE(page[PageSystemHeaderSize:])
	return magicOK, crcOK
}
