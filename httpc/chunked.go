package httpc

import (
	"bytes"
	"strconv"

	"github.com/teranos/loom/errors"
)

type chunkedPhase int

const (
	chunkSize chunkedPhase = iota
	chunkData
	chunkDataCRLF
	chunkTrailer
	chunkDone
)

// chunkedDecoder incrementally decodes a Transfer-Encoding: chunked body.
// Chunk lengths are decoded properly, so body bytes that happen to look
// like a terminating chunk do not end the stream early.
type chunkedDecoder struct {
	phase     chunkedPhase
	pending   []byte // unconsumed input carried across feeds
	remaining int    // bytes left in the current chunk
	body      []byte
}

// feed consumes data. Returns done=true once the terminating chunk and
// trailer have been seen. Err is a protocol violation.
func (d *chunkedDecoder) feed(data []byte) (done bool, err error) {
	d.pending = append(d.pending, data...)

	for {
		switch d.phase {
		case chunkSize:
			nl := bytes.Index(d.pending, []byte("\r\n"))
			if nl < 0 {
				return false, nil
			}
			line := d.pending[:nl]
			// Chunk extensions after ';' are ignored.
			if semi := bytes.IndexByte(line, ';'); semi >= 0 {
				line = line[:semi]
			}
			size, perr := strconv.ParseUint(string(bytes.TrimSpace(line)), 16, 32)
			if perr != nil {
				return false, errors.Wrapf(errors.ErrProtocol, "bad chunk size %q", line)
			}
			d.pending = d.pending[nl+2:]
			d.remaining = int(size)
			if size == 0 {
				d.phase = chunkTrailer
			} else {
				d.phase = chunkData
			}

		case chunkData:
			if len(d.pending) == 0 {
				return false, nil
			}
			n := d.remaining
			if n > len(d.pending) {
				n = len(d.pending)
			}
			d.body = append(d.body, d.pending[:n]...)
			d.pending = d.pending[n:]
			d.remaining -= n
			if d.remaining == 0 {
				d.phase = chunkDataCRLF
			}

		case chunkDataCRLF:
			if len(d.pending) < 2 {
				return false, nil
			}
			if d.pending[0] != '\r' || d.pending[1] != '\n' {
				return false, errors.Wrap(errors.ErrProtocol, "missing CRLF after chunk data")
			}
			d.pending = d.pending[2:]
			d.phase = chunkSize

		case chunkTrailer:
			// Either the immediate final CRLF, or trailer header lines each
			// ending in CRLF followed by the final CRLF.
			nl := bytes.Index(d.pending, []byte("\r\n"))
			if nl < 0 {
				return false, nil
			}
			if nl == 0 {
				d.pending = d.pending[2:]
				d.phase = chunkDone
				return true, nil
			}
			// A trailer line; drop it and keep looking.
			d.pending = d.pending[nl+2:]

		case chunkDone:
			return true, nil
		}
	}
}
