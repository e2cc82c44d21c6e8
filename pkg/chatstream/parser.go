package chatstream

import (
	"bytes"
	"encoding/json"
	"regexp"

	"github.com/rs/zerolog/log"
)

// streamIDPattern scans a frame too broken for json.Unmarshal, which rejects
// the whole document on a syntax error and leaves nothing populated.
var streamIDPattern = regexp.MustCompile(`"streamId"\s*:\s*"([^"\\]+)"`)

type parserState int

const (
	parserAwaitingTerminator parserState = iota
	parserHaveFrame
)

// FrameParser reassembles frames from an incoming byte stream. Deliveries may
// split or batch frames arbitrarily; the parser buffers partial frames across
// Feed calls and only decodes once a complete terminator has been seen.
//
// A malformed frame is isolated: when the broken JSON still exposes a
// streamId, the parser degrades it to an error frame for that one stream so
// the fault never affects sibling streams sharing the connection.
type FrameParser struct {
	buf   []byte
	state parserState
}

func NewFrameParser() *FrameParser {
	return &FrameParser{}
}

// Feed appends data to the internal buffer and returns every complete frame
// it now contains. Incomplete trailing data is retained for the next call.
func (p *FrameParser) Feed(data []byte) []Frame {
	p.buf = append(p.buf, data...)

	var frames []Frame
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			p.state = parserAwaitingTerminator
			break
		}
		p.state = parserHaveFrame
		line := bytes.TrimSpace(p.buf[:idx])
		p.buf = p.buf[idx+1:]
		if len(line) == 0 {
			continue
		}
		f, ok := decodeFrame(line)
		if !ok {
			continue
		}
		frames = append(frames, f)
	}
	return frames
}

// Pending reports how many buffered bytes await a terminator.
func (p *FrameParser) Pending() int {
	return len(p.buf)
}

func decodeFrame(line []byte) (Frame, bool) {
	var f Frame
	if err := json.Unmarshal(line, &f); err == nil && f.StreamID != "" {
		return f, true
	}

	// Salvage the stream id so the fault stays scoped to one channel.
	if m := streamIDPattern.FindSubmatch(line); m != nil {
		return Frame{StreamID: string(m[1]), Kind: FrameKindError, Message: "malformed frame"}, true
	}
	log.Warn().Str("component", "chatstream").Int("len", len(line)).Msg("dropping unparseable frame")
	return Frame{}, false
}
