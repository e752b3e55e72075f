package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/trustbridge/tbenc/internal/tbenc/errs"
)

func TestBuildParseHeaderRoundTrip(t *testing.T) {
	prefix := []byte{0xde, 0xad, 0xbe, 0xef}
	raw, err := BuildHeader(4*1024*1024, prefix)
	if err != nil {
		t.Fatalf("BuildHeader: %v", err)
	}
	if len(raw) != HeaderSize {
		t.Fatalf("header size = %d, want %d", len(raw), HeaderSize)
	}

	h, err := ParseHeader(raw)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.ChunkBytes != 4*1024*1024 {
		t.Errorf("ChunkBytes = %d", h.ChunkBytes)
	}
	if !bytes.Equal(h.NoncePrefix[:], prefix) {
		t.Errorf("NoncePrefix = %x, want %x", h.NoncePrefix, prefix)
	}
}

func TestBuildHeaderRejectsBadChunkBytes(t *testing.T) {
	prefix := make([]byte, NoncePrefixSize)
	if _, err := BuildHeader(MinChunkBytes-1, prefix); !errors.Is(err, errs.ErrInvalidParameter) {
		t.Errorf("expected ErrInvalidParameter below min, got %v", err)
	}
	if _, err := BuildHeader(MaxChunkBytes+1, prefix); !errors.Is(err, errs.ErrInvalidParameter) {
		t.Errorf("expected ErrInvalidParameter above max, got %v", err)
	}
}

func TestBuildHeaderRejectsBadNoncePrefix(t *testing.T) {
	if _, err := BuildHeader(4096, []byte{1, 2, 3}); !errors.Is(err, errs.ErrInvalidParameter) {
		t.Errorf("expected ErrInvalidParameter, got %v", err)
	}
}

func TestParseHeaderRejectsWrongLength(t *testing.T) {
	if _, err := ParseHeader(make([]byte, 31)); !errors.Is(err, errs.ErrInvalidHeader) {
		t.Errorf("expected ErrInvalidHeader, got %v", err)
	}
}

func TestParseHeaderRejectsBadMagic(t *testing.T) {
	raw, _ := BuildHeader(4096, make([]byte, NoncePrefixSize))
	raw[0] = 'X'
	if _, err := ParseHeader(raw); !errors.Is(err, errs.ErrBadMagic) {
		t.Errorf("expected ErrBadMagic, got %v", err)
	}
}

func TestParseHeaderRejectsBadVersion(t *testing.T) {
	raw, _ := BuildHeader(4096, make([]byte, NoncePrefixSize))
	raw[8] = 0
	raw[9] = 2
	if _, err := ParseHeader(raw); !errors.Is(err, errs.ErrUnsupportedVersion) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestParseHeaderRejectsBadAlgorithm(t *testing.T) {
	raw, _ := BuildHeader(4096, make([]byte, NoncePrefixSize))
	raw[10] = 9
	if _, err := ParseHeader(raw); !errors.Is(err, errs.ErrUnsupportedAlgorithm) {
		t.Errorf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
}

func TestParseHeaderRejectsNonZeroReserved(t *testing.T) {
	raw, _ := BuildHeader(4096, make([]byte, NoncePrefixSize))
	raw[HeaderSize-1] = 1
	if _, err := ParseHeader(raw); !errors.Is(err, errs.ErrInvalidHeader) {
		t.Errorf("expected ErrInvalidHeader, got %v", err)
	}
}

func TestDeriveNonceVariesByIndex(t *testing.T) {
	prefix := [NoncePrefixSize]byte{1, 2, 3, 4}
	n0 := DeriveNonce(prefix, 0)
	n1 := DeriveNonce(prefix, 1)
	if n0 == n1 {
		t.Error("nonces for different chunk indices must differ")
	}
	if !bytes.Equal(n0[:NoncePrefixSize], prefix[:]) {
		t.Error("nonce prefix must match input")
	}
}

func TestBuildAADSize(t *testing.T) {
	aad := BuildAAD(4096, [NoncePrefixSize]byte{}, 7, 100)
	if len(aad) != AADSize {
		t.Errorf("AAD size = %d, want %d", len(aad), AADSize)
	}
}

func TestBuildAADBindsChunkIndex(t *testing.T) {
	prefix := [NoncePrefixSize]byte{9, 9, 9, 9}
	a0 := BuildAAD(4096, prefix, 0, 100)
	a1 := BuildAAD(4096, prefix, 1, 100)
	if bytes.Equal(a0, a1) {
		t.Error("AAD must differ across chunk indices")
	}
}

func TestRecordHeaderRoundTrip(t *testing.T) {
	packed := PackRecordHeader(12345)
	got, err := ParseRecordHeader(packed)
	if err != nil {
		t.Fatalf("ParseRecordHeader: %v", err)
	}
	if got != 12345 {
		t.Errorf("got %d, want 12345", got)
	}
}

func TestParseRecordHeaderShortRead(t *testing.T) {
	if _, err := ParseRecordHeader([]byte{1, 2, 3}); !errors.Is(err, errs.ErrInvalidRecord) {
		t.Errorf("expected ErrInvalidRecord, got %v", err)
	}
}

func FuzzParseHeader(f *testing.F) {
	valid, _ := BuildHeader(4096, []byte{1, 2, 3, 4})
	f.Add(valid)
	f.Add(make([]byte, HeaderSize))
	f.Add([]byte{})
	f.Fuzz(func(t *testing.T, b []byte) {
		// Must never panic regardless of input.
		_, _ = ParseHeader(b)
	})
}

func FuzzParseRecordHeader(f *testing.F) {
	f.Add(PackRecordHeader(1))
	f.Add([]byte{})
	f.Fuzz(func(t *testing.T, b []byte) {
		_, _ = ParseRecordHeader(b)
	})
}
