// Package sse decodes the blank-line framed event stream used by the
// upstream generation service. Events are separated by a double newline
// (bare or CRLF); within an event only lines carrying the "data:" label
// hold a payload, and a payload equal to the [DONE] sentinel marks the
// end of the stream.
package sse

import (
	"bytes"
	"errors"
	"io"
	"strings"
)

// Sentinel is the reserved payload that terminates an upstream stream.
const Sentinel = "[DONE]"

// ErrStreamDone is returned by Next once the [DONE] sentinel is read.
var ErrStreamDone = errors.New("sse: stream done")

const dataLabel = "data:"

// Decoder incrementally reassembles framed events from a raw byte stream.
// It is not safe for concurrent use.
type Decoder struct {
	r       io.Reader
	buf     []byte
	pending []string // data payloads from the current block not yet returned
	readBuf []byte
	eof     bool
	done    bool
}

// NewDecoder wraps r for incremental event decoding.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, readBuf: make([]byte, 4096)}
}

// Next returns the next data payload from the stream. It returns
// ErrStreamDone when the sentinel is seen, and io.EOF when the underlying
// stream closes without one. An incomplete trailing block is discarded.
func (d *Decoder) Next() (string, error) {
	for {
		if d.done {
			return "", ErrStreamDone
		}
		if len(d.pending) > 0 {
			payload := d.pending[0]
			d.pending = d.pending[1:]
			if payload == Sentinel {
				d.done = true
				return "", ErrStreamDone
			}
			return payload, nil
		}
		if block, ok := d.cutBlock(); ok {
			d.pending = dataPayloads(block)
			continue
		}
		if d.eof {
			return "", io.EOF
		}
		n, err := d.r.Read(d.readBuf)
		if n > 0 {
			d.buf = append(d.buf, d.readBuf[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.eof = true
				continue
			}
			return "", err
		}
	}
}

// cutBlock removes the first complete block from the buffer. The block
// terminator may be \n\n or \r\n\r\n; the earlier occurrence wins.
func (d *Decoder) cutBlock() (string, bool) {
	lf := bytes.Index(d.buf, []byte("\n\n"))
	crlf := bytes.Index(d.buf, []byte("\r\n\r\n"))
	end, width := lf, 2
	if end == -1 || (crlf != -1 && crlf < end) {
		end, width = crlf, 4
	}
	if end == -1 {
		return "", false
	}
	block := string(d.buf[:end])
	d.buf = d.buf[end+width:]
	return block, true
}

// dataPayloads extracts the labelled payloads from one block, in order.
func dataPayloads(block string) []string {
	block = strings.ReplaceAll(block, "\r\n", "\n")
	var payloads []string
	for _, raw := range strings.Split(block, "\n") {
		line := strings.TrimSpace(raw)
		if !strings.HasPrefix(line, dataLabel) {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, dataLabel))
		if payload == "" {
			continue
		}
		payloads = append(payloads, payload)
	}
	return payloads
}
