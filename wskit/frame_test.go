package wskit

import (
	"bytes"
	"encoding/base64"
	"testing"
)

// The canonical handshake example from RFC 6455 §1.3.
func TestComputeAcceptRFCVector(t *testing.T) {
	got := ComputeAccept("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Fatalf("ComputeAccept = %q, want %q", got, want)
	}
}

func TestGenerateKey(t *testing.T) {
	k1 := GenerateKey()
	k2 := GenerateKey()
	if k1 == k2 {
		t.Fatal("two keys must differ")
	}
	raw, err := base64.StdEncoding.DecodeString(k1)
	if err != nil || len(raw) != 16 {
		t.Fatalf("key must be 16 base64 bytes: len=%d err=%v", len(raw), err)
	}
}

// "Hello" as an unmasked server text frame, RFC 6455 §5.7.
func TestBuildFrameHelloUnmasked(t *testing.T) {
	frame := BuildFrame(OpText, []byte("Hello"), true, false, nil)
	want := []byte{0x81, 0x05, 'H', 'e', 'l', 'l', 'o'}
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame = %x, want %x", frame, want)
	}
}

// "Hello" masked with the RFC example key 0x37 0xfa 0x21 0x3d.
func TestBuildFrameHelloMaskedRFCVector(t *testing.T) {
	key := []byte{0x37, 0xfa, 0x21, 0x3d}
	frame := BuildFrame(OpText, []byte("Hello"), true, true, key)
	want := []byte{0x81, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58}
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame = %x, want %x", frame, want)
	}
}

func TestParseFrameHello(t *testing.T) {
	data := []byte{0x81, 0x05, 'H', 'e', 'l', 'l', 'o'}
	frame, consumed := ParseFrame(data)
	if consumed != len(data) {
		t.Fatalf("consumed = %d, want %d", consumed, len(data))
	}
	if !frame.Fin || frame.Opcode != OpText || frame.Masked {
		t.Fatalf("frame header wrong: %+v", frame)
	}
	if string(frame.Payload) != "Hello" {
		t.Fatalf("payload = %q", frame.Payload)
	}
}

func TestParseFrameUnmasksPayload(t *testing.T) {
	key := []byte{0x37, 0xfa, 0x21, 0x3d}
	data := BuildFrame(OpText, []byte("Hello"), true, true, key)
	frame, consumed := ParseFrame(data)
	if consumed != len(data) {
		t.Fatalf("consumed = %d", consumed)
	}
	if !frame.Masked || frame.Mask != [4]byte{0x37, 0xfa, 0x21, 0x3d} {
		t.Fatalf("mask not surfaced: %+v", frame)
	}
	if string(frame.Payload) != "Hello" {
		t.Fatalf("payload not unmasked: %q", frame.Payload)
	}
}

func TestFrameLengthForms(t *testing.T) {
	// 16-bit extended length.
	mid := make([]byte, 300)
	for i := range mid {
		mid[i] = byte(i)
	}
	frame := BuildFrame(OpBinary, mid, true, false, nil)
	if frame[1] != 126 {
		t.Fatalf("expected len7=126, got %d", frame[1])
	}
	parsed, consumed := ParseFrame(frame)
	if consumed != len(frame) || !bytes.Equal(parsed.Payload, mid) {
		t.Fatal("16-bit length round-trip failed")
	}

	// 64-bit extended length.
	big := make([]byte, 70000)
	frame = BuildFrame(OpBinary, big, true, false, nil)
	if frame[1] != 127 {
		t.Fatalf("expected len7=127, got %d", frame[1])
	}
	parsed, consumed = ParseFrame(frame)
	if consumed != len(frame) || len(parsed.Payload) != 70000 {
		t.Fatal("64-bit length round-trip failed")
	}
}

func TestPeekLength(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want uint64
		ok   bool
	}{
		{"empty", nil, 0, false},
		{"one byte", []byte{0x81}, 0, false},
		{"7-bit length", []byte{0x81, 0x05}, 5, true},
		{"16-bit length incomplete", []byte{0x82, 126, 0x01}, 0, false},
		{"16-bit length", []byte{0x82, 126, 0x01, 0x2C}, 300, true},
		{"64-bit length incomplete", []byte{0x82, 127, 0, 0, 0, 0, 0}, 0, false},
		{"64-bit length", []byte{0x82, 127, 0, 0, 0, 0, 0x01, 0x40, 0, 0}, 0x01400000, true},
		{"masked bit ignored", []byte{0x81, 0x85}, 5, true},
	}

	for _, tc := range cases {
		got, ok := PeekLength(tc.data)
		if got != tc.want || ok != tc.ok {
			t.Errorf("%s: PeekLength = (%d, %v), want (%d, %v)", tc.name, got, ok, tc.want, tc.ok)
		}
	}
}

func TestParseFrameRefusesOversizedDeclaredLength(t *testing.T) {
	// A header declaring a payload beyond MaxFramePayload must not parse,
	// even with the full declared body present... which we obviously don't
	// build; the header alone is enough for the refusal.
	header := []byte{0x82, 127}
	var len64 [8]byte
	len64[3] = 1 // 2^32 bytes, far over the cap
	header = append(header, len64[:]...)

	if _, consumed := ParseFrame(header); consumed != 0 {
		t.Fatalf("oversized frame consumed %d bytes", consumed)
	}
	// PeekLength is how callers distinguish this from truncation.
	declared, ok := PeekLength(header)
	if !ok || declared != 1<<32 {
		t.Fatalf("PeekLength = (%d, %v), want (%d, true)", declared, ok, uint64(1)<<32)
	}
	if declared <= MaxFramePayload {
		t.Fatal("test frame must exceed MaxFramePayload")
	}
}

func TestParseFrameNeedsMoreData(t *testing.T) {
	full := BuildFrame(OpText, []byte("partial payload"), true, false, nil)
	for cut := 0; cut < len(full); cut++ {
		if _, consumed := ParseFrame(full[:cut]); consumed != 0 {
			t.Fatalf("truncated frame of %d bytes consumed %d", cut, consumed)
		}
	}
}

func TestApplyMaskIsInvolution(t *testing.T) {
	mask := [4]byte{0xDE, 0xAD, 0xBE, 0xEF}
	data := []byte("some payload of odd length!")
	orig := append([]byte(nil), data...)
	ApplyMask(data, mask)
	if bytes.Equal(data, orig) {
		t.Fatal("mask did nothing")
	}
	ApplyMask(data, mask)
	if !bytes.Equal(data, orig) {
		t.Fatal("double mask must restore original")
	}
}

func TestFragmentedFrameHeaders(t *testing.T) {
	first := BuildFrame(OpText, []byte("Hel"), false, false, nil)
	if first[0] != 0x01 {
		t.Fatalf("first fragment byte0 = %#x, want 0x01", first[0])
	}
	last := BuildFrame(OpContinuation, []byte("lo"), true, false, nil)
	if last[0] != 0x80 {
		t.Fatalf("final continuation byte0 = %#x, want 0x80", last[0])
	}
}

func TestOpcodes(t *testing.T) {
	if !OpClose.IsControl() || !OpPing.IsControl() || !OpPong.IsControl() {
		t.Error("control opcodes misclassified")
	}
	if OpText.IsControl() || !OpText.IsData() || !OpContinuation.IsData() {
		t.Error("data opcodes misclassified")
	}
	if IsValidOpcode(0x3) || IsValidOpcode(0xB) {
		t.Error("reserved opcodes must be invalid")
	}
	if !IsValidOpcode(0x0) || !IsValidOpcode(0xA) {
		t.Error("defined opcodes must be valid")
	}
}

func TestCloseCodes(t *testing.T) {
	if !IsValidCloseCode(1000) || !IsValidCloseCode(3000) || !IsValidCloseCode(4999) {
		t.Error("sendable codes rejected")
	}
	if IsValidCloseCode(1005) || IsValidCloseCode(1006) || IsValidCloseCode(2999) {
		t.Error("reserved codes accepted")
	}
	if CloseReason(1009) != "Message Too Big" {
		t.Errorf("CloseReason(1009) = %q", CloseReason(1009))
	}
}
