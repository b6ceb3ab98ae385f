package stream

import (
	"bytes"
	"strings"
)

// dataPrefix marks payload lines inside a frame block.
const dataPrefix = "data:"

// FrameParser splits an incrementally-read byte stream into complete frame
// blocks. Blocks are delimited by a blank line; bytes after the last
// complete delimiter stay buffered until more input arrives.
//
// It is not safe for concurrent use; each generation owns one parser.
type FrameParser struct {
	buf bytes.Buffer
}

// Feed appends raw bytes and returns the payloads of every frame block
// completed by this input, in order. Within a block, every "data:" line
// contributes to the payload; multiple data lines are joined with a
// newline, per the usual event-stream convention.
func (p *FrameParser) Feed(data []byte) [][]byte {
	p.buf.Write(data)

	var payloads [][]byte
	for {
		raw := p.buf.Bytes()
		idx := bytes.Index(raw, []byte("\n\n"))
		if idx < 0 {
			break
		}
		block := string(raw[:idx])
		p.buf.Next(idx + 2)

		if payload, ok := extractPayload(block); ok {
			payloads = append(payloads, []byte(payload))
		}
	}
	return payloads
}

// Buffered returns the number of bytes held for an incomplete block.
func (p *FrameParser) Buffered() int {
	return p.buf.Len()
}

// extractPayload pulls the data payload out of one frame block. Blocks with
// no data line (comments, keepalives) are skipped.
func extractPayload(block string) (string, bool) {
	var lines []string
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		line = strings.TrimPrefix(line, dataPrefix)
		lines = append(lines, strings.TrimPrefix(line, " "))
	}
	if len(lines) == 0 {
		return "", false
	}
	return strings.Join(lines, "\n"), true
}
