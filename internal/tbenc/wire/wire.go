// Package wire encodes and decodes the tbenc/v1 binary format: the
// 32-byte header, per-record framing, nonce derivation, and the
// associated-data construction bound into every GCM seal/open call.
//
// All multi-byte integers are big-endian. There is no endian detection
// at runtime; the wire is canonical.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/trustbridge/tbenc/internal/tbenc/errs"
)

const (
	// Magic is the ASCII identifier that opens every tbenc/v1 header.
	Magic = "TBENC001"

	// Version is the only wire version this codec understands.
	Version uint16 = 1

	// AlgoAESGCMChunked is the only algorithm identifier this codec understands.
	AlgoAESGCMChunked uint8 = 1

	// HeaderSize is the fixed size of the tbenc/v1 header in bytes.
	HeaderSize = 32

	// NoncePrefixSize is the number of random bytes shared by every
	// record's nonce within one ciphertext.
	NoncePrefixSize = 4

	// NonceSize is the full 12-byte AES-GCM nonce size.
	NonceSize = 12

	// TagSize is the AES-GCM authentication tag size.
	TagSize = 16

	// RecordHeaderSize is the size of a record's pt_len prefix.
	RecordHeaderSize = 4

	// AADSize is the fixed size of the associated data bound to every record.
	AADSize = 8 + 2 + 1 + 4 + 4 + 8 + 4 // magic+version+algo+chunk_bytes+nonce_prefix+chunk_index+pt_len

	// MinChunkBytes and MaxChunkBytes bound the header's chunk_bytes field.
	MinChunkBytes uint32 = 1024
	MaxChunkBytes uint32 = 64 * 1024 * 1024

	headerOffsetMagic       = 0
	headerOffsetVersion     = 8
	headerOffsetAlgo        = 10
	headerOffsetChunkBytes  = 11
	headerOffsetNoncePrefix = 15
	headerOffsetReserved    = 19
	reservedSize            = 13
)

// Header is the parsed form of the 32-byte tbenc/v1 header.
type Header struct {
	ChunkBytes  uint32
	NoncePrefix [NoncePrefixSize]byte
}

// BuildHeader encodes chunkBytes and noncePrefix into the 32-byte wire header.
func BuildHeader(chunkBytes uint32, noncePrefix []byte) ([]byte, error) {
	if chunkBytes < MinChunkBytes || chunkBytes > MaxChunkBytes {
		return nil, fmt.Errorf("chunk_bytes %d out of range [%d, %d]: %w", chunkBytes, MinChunkBytes, MaxChunkBytes, errs.ErrInvalidParameter)
	}
	if len(noncePrefix) != NoncePrefixSize {
		return nil, fmt.Errorf("nonce_prefix must be %d bytes, got %d: %w", NoncePrefixSize, len(noncePrefix), errs.ErrInvalidParameter)
	}

	h := make([]byte, HeaderSize)
	copy(h[headerOffsetMagic:], Magic)
	binary.BigEndian.PutUint16(h[headerOffsetVersion:], Version)
	h[headerOffsetAlgo] = AlgoAESGCMChunked
	binary.BigEndian.PutUint32(h[headerOffsetChunkBytes:], chunkBytes)
	copy(h[headerOffsetNoncePrefix:], noncePrefix)
	// reserved bytes are left zero.
	return h, nil
}

// ParseHeader validates and decodes a 32-byte tbenc/v1 header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, fmt.Errorf("header must be %d bytes, got %d: %w", HeaderSize, len(b), errs.ErrInvalidHeader)
	}
	if string(b[headerOffsetMagic:headerOffsetMagic+8]) != Magic {
		return Header{}, fmt.Errorf("magic mismatch: %w", errs.ErrBadMagic)
	}
	if v := binary.BigEndian.Uint16(b[headerOffsetVersion:]); v != Version {
		return Header{}, fmt.Errorf("version %d: %w", v, errs.ErrUnsupportedVersion)
	}
	if a := b[headerOffsetAlgo]; a != AlgoAESGCMChunked {
		return Header{}, fmt.Errorf("algorithm %d: %w", a, errs.ErrUnsupportedAlgorithm)
	}
	chunkBytes := binary.BigEndian.Uint32(b[headerOffsetChunkBytes:])
	if chunkBytes < MinChunkBytes || chunkBytes > MaxChunkBytes {
		return Header{}, fmt.Errorf("chunk_bytes %d out of range: %w", chunkBytes, errs.ErrInvalidParameter)
	}
	for _, rb := range b[headerOffsetReserved : headerOffsetReserved+reservedSize] {
		if rb != 0 {
			return Header{}, fmt.Errorf("reserved bytes must be zero: %w", errs.ErrInvalidHeader)
		}
	}

	var h Header
	h.ChunkBytes = chunkBytes
	copy(h.NoncePrefix[:], b[headerOffsetNoncePrefix:headerOffsetNoncePrefix+NoncePrefixSize])
	return h, nil
}

// DeriveNonce builds the 12-byte per-chunk GCM nonce: noncePrefix (4 bytes)
// followed by the big-endian chunk index (8 bytes).
func DeriveNonce(noncePrefix [NoncePrefixSize]byte, chunkIndex uint64) [NonceSize]byte {
	var nonce [NonceSize]byte
	copy(nonce[:NoncePrefixSize], noncePrefix[:])
	binary.BigEndian.PutUint64(nonce[NoncePrefixSize:], chunkIndex)
	return nonce
}

// BuildAAD builds the 31-byte associated data for one record:
// magic||version||algo||chunk_bytes||nonce_prefix||chunk_index||pt_len.
func BuildAAD(chunkBytes uint32, noncePrefix [NoncePrefixSize]byte, chunkIndex uint64, ptLen uint32) []byte {
	aad := make([]byte, 0, AADSize)
	aad = append(aad, Magic...)
	aad = binary.BigEndian.AppendUint16(aad, Version)
	aad = append(aad, AlgoAESGCMChunked)
	aad = binary.BigEndian.AppendUint32(aad, chunkBytes)
	aad = append(aad, noncePrefix[:]...)
	aad = binary.BigEndian.AppendUint64(aad, chunkIndex)
	aad = binary.BigEndian.AppendUint32(aad, ptLen)
	return aad
}

// PackRecordHeader encodes a record's plaintext length as a 4-byte
// big-endian prefix.
func PackRecordHeader(ptLen uint32) []byte {
	b := make([]byte, RecordHeaderSize)
	binary.BigEndian.PutUint32(b, ptLen)
	return b
}

// ParseRecordHeader decodes a record's 4-byte plaintext-length prefix.
func ParseRecordHeader(b []byte) (uint32, error) {
	if len(b) != RecordHeaderSize {
		return 0, fmt.Errorf("record header must be %d bytes, got %d: %w", RecordHeaderSize, len(b), errs.ErrInvalidRecord)
	}
	return binary.BigEndian.Uint32(b), nil
}
