package pe

import (
	"bytes"
	"encoding/binary"
	"io"
)

// ChecksumInfo contains PE checksum verification results.
type ChecksumInfo struct {
	Stored   uint32
	Computed uint32
	Valid    bool
}

// VerifyChecksum compares the stored header checksum with the one computed
// over Data. A stored value of zero means the file is not checksummed and is
// reported as valid.
func (img *Image) VerifyChecksum() (*ChecksumInfo, error) {
	off, err := img.checksumOffset()
	if err != nil {
		return nil, err
	}
	// Read from Data, the parsed header is stale after UpdateChecksum.
	stored := binary.LittleEndian.Uint32(img.Data[off:])

	computed, err := CalculatePEChecksum(bytes.NewReader(img.Data), int64(len(img.Data)), off)
	if err != nil {
		return nil, err
	}
	return &ChecksumInfo{
		Stored:   stored,
		Computed: computed,
		Valid:    stored == 0 || stored == computed,
	}, nil
}

// CalculatePEChecksum computes the PE header checksum of the first filesize
// bytes of r, skipping the 4-byte checksum field at checksumOffset. A negative
// offset skips nothing.
func CalculatePEChecksum(r io.ReaderAt, filesize int64, checksumOffset int64) (uint32, error) {
	var checksum uint64
	buf := make([]byte, 4)

	for offset := int64(0); offset < filesize; offset += 4 {
		if checksumOffset >= 0 && offset >= checksumOffset && offset < checksumOffset+4 {
			continue
		}

		n, err := r.ReadAt(buf, offset)
		if err != nil && err != io.EOF {
			return 0, err
		}
		for i := n; i < 4; i++ {
			buf[i] = 0
		}

		checksum += uint64(binary.LittleEndian.Uint32(buf))
		if checksum > 0xFFFFFFFF {
			checksum = (checksum & 0xFFFFFFFF) + (checksum >> 32)
		}
	}

	// Fold to 16 bits before adding the size, which may exceed 16 bits.
	checksum = (checksum & 0xFFFF) + (checksum >> 16)
	checksum = (checksum & 0xFFFF) + (checksum >> 16)
	checksum &= 0xFFFF

	return uint32(checksum + uint64(filesize)), nil
}
