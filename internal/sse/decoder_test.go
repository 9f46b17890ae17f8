package sse

import (
	"errors"
	"io"
	"strings"
	"testing"
)

// slowReader returns its fragments one Read at a time to exercise
// incremental reassembly across arbitrary chunk boundaries.
type slowReader struct {
	fragments []string
}

func (s *slowReader) Read(p []byte) (int, error) {
	if len(s.fragments) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.fragments[0])
	if n < len(s.fragments[0]) {
		s.fragments[0] = s.fragments[0][n:]
	} else {
		s.fragments = s.fragments[1:]
	}
	return n, nil
}

func drain(t *testing.T, d *Decoder) ([]string, error) {
	t.Helper()
	var out []string
	for {
		payload, err := d.Next()
		if err != nil {
			return out, err
		}
		out = append(out, payload)
	}
}

func TestNext_BasicFraming(t *testing.T) {
	input := "data: {\"a\":1}\n\ndata: {\"b\":2}\n\ndata: [DONE]\n\n"
	d := NewDecoder(strings.NewReader(input))

	payloads, err := drain(t, d)
	if !errors.Is(err, ErrStreamDone) {
		t.Fatalf("err = %v, want ErrStreamDone", err)
	}
	want := []string{`{"a":1}`, `{"b":2}`}
	if len(payloads) != len(want) {
		t.Fatalf("payloads = %v, want %v", payloads, want)
	}
	for i := range want {
		if payloads[i] != want[i] {
			t.Errorf("payload[%d] = %q, want %q", i, payloads[i], want[i])
		}
	}
}

func TestNext_CRLFFraming(t *testing.T) {
	input := "event: delta\r\ndata: {\"a\":1}\r\n\r\ndata: [DONE]\r\n\r\n"
	d := NewDecoder(strings.NewReader(input))

	payloads, err := drain(t, d)
	if !errors.Is(err, ErrStreamDone) {
		t.Fatalf("err = %v, want ErrStreamDone", err)
	}
	if len(payloads) != 1 || payloads[0] != `{"a":1}` {
		t.Fatalf("payloads = %v, want single {\"a\":1}", payloads)
	}
}

func TestNext_SplitAcrossReads(t *testing.T) {
	r := &slowReader{fragments: []string{
		"data: {\"t\":\"he",
		"llo\"}\n",
		"\ndata: {\"t\":\"wor",
		"ld\"}\n\nda",
		"ta: [DONE]\n\n",
	}}
	d := NewDecoder(r)

	payloads, err := drain(t, d)
	if !errors.Is(err, ErrStreamDone) {
		t.Fatalf("err = %v, want ErrStreamDone", err)
	}
	want := []string{`{"t":"hello"}`, `{"t":"world"}`}
	if len(payloads) != 2 || payloads[0] != want[0] || payloads[1] != want[1] {
		t.Fatalf("payloads = %v, want %v", payloads, want)
	}
}

func TestNext_IgnoresNonDataLines(t *testing.T) {
	input := ": keepalive comment\nevent: message\nid: 42\ndata: {\"x\":1}\n\n"
	d := NewDecoder(strings.NewReader(input))

	payload, err := d.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if payload != `{"x":1}` {
		t.Errorf("payload = %q, want {\"x\":1}", payload)
	}
}

func TestNext_MultipleDataLinesPerBlock(t *testing.T) {
	input := "data: {\"a\":1}\ndata: {\"b\":2}\n\n"
	d := NewDecoder(strings.NewReader(input))

	first, err := d.Next()
	if err != nil || first != `{"a":1}` {
		t.Fatalf("first = %q, %v", first, err)
	}
	second, err := d.Next()
	if err != nil || second != `{"b":2}` {
		t.Fatalf("second = %q, %v", second, err)
	}
}

func TestNext_EOFWithoutSentinel(t *testing.T) {
	input := "data: {\"a\":1}\n\ndata: {\"trailing\""
	d := NewDecoder(strings.NewReader(input))

	payload, err := d.Next()
	if err != nil || payload != `{"a":1}` {
		t.Fatalf("first = %q, %v", payload, err)
	}
	// The unterminated trailing block is dropped.
	if _, err := d.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestNext_DoneIsSticky(t *testing.T) {
	d := NewDecoder(strings.NewReader("data: [DONE]\n\ndata: {\"late\":1}\n\n"))
	if _, err := d.Next(); !errors.Is(err, ErrStreamDone) {
		t.Fatalf("err = %v, want ErrStreamDone", err)
	}
	if _, err := d.Next(); !errors.Is(err, ErrStreamDone) {
		t.Fatalf("second err = %v, want ErrStreamDone", err)
	}
}

func TestNext_MixedTerminators(t *testing.T) {
	// CRLF block followed by a bare-LF block.
	input := "data: {\"a\":1}\r\n\r\ndata: {\"b\":2}\n\n"
	d := NewDecoder(strings.NewReader(input))

	first, err := d.Next()
	if err != nil || first != `{"a":1}` {
		t.Fatalf("first = %q, %v", first, err)
	}
	second, err := d.Next()
	if err != nil || second != `{"b":2}` {
		t.Fatalf("second = %q, %v", second, err)
	}
}
