package wire

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func mustEncode(t *testing.T, h Header, p []byte) []byte {
	t.Helper()
	b, err := EncodeEntry(h, p)
	if err != nil {
		t.Fatalf("EncodeEntry: %v", err)
	}
	return b
}

func TestEntryEmptyAndNonEmpty(t *testing.T) {
	cases := []struct {
		h       Header
		payload []byte
	}{
		{Header{}, nil},
		{Header{FetchedAt: 1700000000000, SizeBytes: 5, Revision: "3kqabc"}, []byte("hello")},
		{Header{FetchedAt: 1, SizeBytes: 1 << 40, Revision: strings.Repeat("r", MaxRevisionLen)}, []byte{0, 1, 2}},
	}
	for _, tc := range cases {
		h, p, err := DecodeEntry(mustEncode(t, tc.h, tc.payload))
		if err != nil {
			t.Fatalf("DecodeEntry: %v", err)
		}
		if h != tc.h {
			t.Fatalf("header mismatch: got %+v want %+v", h, tc.h)
		}
		if !bytes.Equal(p, tc.payload) {
			t.Fatalf("payload mismatch: got %x want %x", p, tc.payload)
		}
	}
}

func TestEntryRejectsTrailingBytes(t *testing.T) {
	enc := mustEncode(t, Header{FetchedAt: 7, Revision: "r1"}, []byte("x"))
	enc = append(enc, 0xDE, 0xAD)
	if _, _, err := DecodeEntry(enc); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt on trailing bytes, got %v", err)
	}
}

func TestEntryCorruptHeadersAndLengths(t *testing.T) {
	enc := mustEncode(t, Header{FetchedAt: 1, SizeBytes: 3, Revision: "rev"}, []byte("abc"))

	mutate := func(f func(b []byte) []byte) []byte {
		return f(append([]byte(nil), enc...))
	}

	cases := map[string][]byte{
		"bad magic":     mutate(func(b []byte) []byte { b[0] = 'X'; return b }),
		"bad version":   mutate(func(b []byte) []byte { b[4] = version + 1; return b }),
		"bad kind":      mutate(func(b []byte) []byte { b[5] = kindEntry + 1; return b }),
		"short header":  enc[:fixedHdr-1],
		"cut revision":  enc[:fixedHdr+2+1],
		"cut payload":   enc[:len(enc)-1],
		"negative size": mutate(func(b []byte) []byte { b[14] = 0x80; return b }),
	}
	for name, b := range cases {
		if _, _, err := DecodeEntry(b); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestEncodeRejectsLongRevision(t *testing.T) {
	_, err := EncodeEntry(Header{Revision: strings.Repeat("r", MaxRevisionLen+1)}, nil)
	if !errors.Is(err, ErrRevisionLen) {
		t.Fatalf("expected ErrRevisionLen, got %v", err)
	}
}

func TestWithFetchedAtKeepsPayload(t *testing.T) {
	orig := mustEncode(t, Header{FetchedAt: 10, SizeBytes: 2, Revision: "r9"}, []byte("ok"))
	touched, err := WithFetchedAt(orig, 99)
	if err != nil {
		t.Fatalf("WithFetchedAt: %v", err)
	}
	h, p, err := DecodeEntry(touched)
	if err != nil {
		t.Fatalf("DecodeEntry: %v", err)
	}
	if h.FetchedAt != 99 || h.Revision != "r9" || h.SizeBytes != 2 || string(p) != "ok" {
		t.Fatalf("unexpected frame: %+v %q", h, p)
	}
	// original untouched
	if h0, _, _ := DecodeEntry(orig); h0.FetchedAt != 10 {
		t.Fatalf("original frame mutated")
	}
	if _, err := WithFetchedAt([]byte("junk"), 1); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for junk, got %v", err)
	}
}
