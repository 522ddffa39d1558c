package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	cases := []Envelope{
		{Type: MessageRequest, Request: &Request{No: 5, Type: "poll", Data: json.RawMessage(`{"targets":["a"]}`)}},
		{Type: MessageResponse, Response: &Response{No: 5, Data: json.RawMessage(`"ok"`)}},
		{Type: MessageResponse, Response: &Response{No: 7, Error: "invalid password"}},
		{Type: MessagePing},
		{Type: MessagePong},
	}

	for _, c := range cases {
		encoded, err := EncodeFrame(c)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if encoded[len(encoded)-1] != Separator {
			t.Fatalf("frame must end with separator byte")
		}

		decoded, err := DecodeFrame(encoded[:len(encoded)-1])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.Type != c.Type {
			t.Fatalf("type mismatch: got %v want %v", decoded.Type, c.Type)
		}
	}
}

func TestFrameReaderCutsOnSeparator(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		env := Envelope{Type: MessagePing}
		encoded, _ := EncodeFrame(env)
		buf.Write(encoded)
	}

	fr := NewFrameReader(bufio.NewReader(&buf))
	count := 0
	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			break
		}
		env, err := DecodeFrame(frame)
		if err != nil {
			t.Fatalf("decode frame %d: %v", count, err)
		}
		if env.Type != MessagePing {
			t.Fatalf("expected ping, got %v", env.Type)
		}
		count++
	}
	if count != 3 {
		t.Fatalf("expected 3 frames, got %d", count)
	}
}

func TestFrameReaderWaitsOnPartialFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(`[2]`) // ping with no trailing separator

	fr := NewFrameReader(bufio.NewReader(&buf))
	if _, err := fr.ReadFrame(); err == nil {
		t.Fatalf("expected error reading a frame with no separator yet")
	}
}

func TestDecodeFrameRejectsUnknownType(t *testing.T) {
	if _, err := DecodeFrame([]byte(`[99]`)); err == nil {
		t.Fatalf("expected error for unknown message type")
	}
}

func TestDecodeFrameRejectsMalformedJSON(t *testing.T) {
	if _, err := DecodeFrame([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed JSON")
	}
}

func TestSeqCounterWrapsSkippingZero(t *testing.T) {
	c := &SeqCounter{next: SeqMax - 1}
	first := c.Next()
	if first != SeqMax-1 {
		t.Fatalf("got %d", first)
	}
	second := c.Next()
	if second != 1 {
		t.Fatalf("expected wrap to 1, got %d", second)
	}
}
