// Package transport implements the inter-process streaming transport
// (spec.md §4.1-4.2): a length-framed binary decoder and the RPC transport
// layered on top of it.
package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/clarketm/json"
	log "github.com/sirupsen/logrus"
)

// MessageType discriminates the five wire message shapes (spec.md §6).
type MessageType string

const (
	MsgToken MessageType = "TOKEN"
	MsgStats MessageType = "STATS"
	MsgEvent MessageType = "EVENT"
	MsgDone  MessageType = "DONE"
	MsgError MessageType = "ERROR"
)

// lengthPrefixSize is the fixed 4-byte big-endian length prefix (spec.md §6).
const lengthPrefixSize = 4

// DefaultMaxFrameSize bounds a single frame payload; exceeding it is a
// terminal decode error (spec.md §4.1).
const DefaultMaxFrameSize = 16 << 20 // 16 MiB

// Message is one decoded frame: a type discriminator plus its raw payload.
// Payload is left as raw bytes; callers unmarshal the shape they expect
// (batch_size inference for TOKEN frames happens in Decoder.Feed).
type Message struct {
	Type      MessageType
	Payload   json.RawMessage
	BatchSize int // 0 or 1 unless the TOKEN payload carried a tokens[] array
}

// wireEnvelope is the `{ t, p }` discriminator shape carried inside every
// frame (spec.md §6: "message-type discriminator { t, p }").
type wireEnvelope struct {
	T MessageType     `json:"t"`
	P json.RawMessage `json:"p"`
}

type tokenBatchProbe struct {
	Tokens []json.RawMessage `json:"tokens,omitempty"`
}

// Stats is a counters snapshot for the decoder; resettable per spec.md §4.1.
type Stats struct {
	BytesDecoded    uint64
	MessagesDecoded uint64
	WarningsEmitted uint64
}

// Decoder is a stateful byte-stream decoder: it buffers partial frames
// across calls to Feed and never blocks on incomplete input.
type Decoder struct {
	maxFrameSize uint32
	buf          []byte
	stats        Stats
	log          *log.Entry
}

// NewDecoder builds a Decoder. maxFrameSize<=0 selects DefaultMaxFrameSize.
func NewDecoder(maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{
		maxFrameSize: uint32(maxFrameSize),
		log:          log.WithField("component", "frame-decoder"),
	}
}

// decodeError is returned when a length prefix exceeds the configured max;
// this is terminal per spec.md §4.1 ("Length prefix N > configured max ⇒
// terminal decode error").
type decodeError struct{ n uint32 }

func (e *decodeError) Error() string {
	return fmt.Sprintf("frame decoder: length prefix %d exceeds configured maximum", e.n)
}

// Feed appends chunk to the internal buffer and decodes every complete frame
// it can find. A chunk may split a frame anywhere, or carry many frames; both
// are handled transparently. Malformed payloads are skipped with a logged
// warning (counted in Stats) rather than aborting the stream; an oversized
// length prefix is a terminal error.
func (d *Decoder) Feed(chunk []byte) ([]Message, error) {
	if len(chunk) > 0 {
		d.buf = append(d.buf, chunk...)
	}

	var out []Message
	for {
		if len(d.buf) < lengthPrefixSize {
			return out, nil
		}
		n := binary.BigEndian.Uint32(d.buf[:lengthPrefixSize])
		if n > d.maxFrameSize {
			return out, &decodeError{n: n}
		}
		total := lengthPrefixSize + int(n)
		if len(d.buf) < total {
			// Partial payload: wait for more bytes.
			return out, nil
		}

		payload := d.buf[lengthPrefixSize:total]
		d.buf = d.buf[total:]
		d.stats.BytesDecoded += uint64(total)

		msg, err := d.decodeFrame(payload)
		if err != nil {
			d.stats.WarningsEmitted++
			d.log.WithError(err).Warn("skipping malformed frame")
			continue
		}
		d.stats.MessagesDecoded++
		out = append(out, msg)
	}
}

func (d *Decoder) decodeFrame(payload []byte) (Message, error) {
	if len(payload) == 0 {
		// N=0 decodes a zero-byte payload (spec.md §8 boundary); treat as an
		// empty EVENT-less placeholder that callers ignore.
		return Message{Type: MsgEvent, Payload: json.RawMessage("{}")}, nil
	}
	var env wireEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Message{}, fmt.Errorf("invalid frame envelope: %w", err)
	}
	switch env.T {
	case MsgToken, MsgStats, MsgEvent, MsgDone, MsgError:
	default:
		return Message{}, fmt.Errorf("unknown message type %q", env.T)
	}

	msg := Message{Type: env.T, Payload: env.P, BatchSize: 1}
	if env.T == MsgToken {
		var probe tokenBatchProbe
		if err := json.Unmarshal(env.P, &probe); err == nil && len(probe.Tokens) > 0 {
			msg.BatchSize = len(probe.Tokens)
		}
	}
	return msg, nil
}

// Drain signals end-of-stream: any leftover bytes are discarded with a
// warning (spec.md §4.1 (v)).
func (d *Decoder) Drain() {
	if len(d.buf) > 0 {
		d.stats.WarningsEmitted++
		d.log.Warnf("discarding %d trailing bytes at end of stream", len(d.buf))
		d.buf = nil
	}
}

// Stats returns a snapshot of the decoder's counters.
func (d *Decoder) Stats() Stats { return d.stats }

// Reset zeroes the counters without touching buffered partial state.
func (d *Decoder) Reset() { d.stats = Stats{} }

// Encode frames one wire message for transmission: a 4-byte big-endian
// length prefix followed by the `{t,p}` envelope.
func Encode(t MessageType, payload any) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	env := wireEnvelope{T: t, P: p}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	frame := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(frame[:lengthPrefixSize], uint32(len(body)))
	copy(frame[lengthPrefixSize:], body)
	return frame, nil
}
