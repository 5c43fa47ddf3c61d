// Package packetizer implements the SLIP-like byte-stuffing framer used to
// split an oversized report payload across several sequence-numbered CAN
// frames outside of the ISO-TP engine (spec §4.5/§6).
package packetizer

import "github.com/canrise/isotp-go/internal/fifo"

// SLIP's well-known escape constants: a payload byte equal to End or Esc is
// replaced by Esc followed by EscEnd/EscEsc respectively.
const (
	End    byte = 0xC0
	Esc    byte = 0xDB
	EscEnd byte = 0xDC
	EscEsc byte = 0xDD
)

// DefaultMaxDecodedLen bounds how large a reassembled message a Decoder
// will accept before it reports a malformed frame, so a peer that never
// sends an End marker cannot grow an unbounded buffer.
const DefaultMaxDecodedLen = 4095

func stuff(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+4)
	for _, b := range payload {
		switch b {
		case End:
			out = append(out, Esc, EscEnd)
		case Esc:
			out = append(out, Esc, EscEsc)
		default:
			out = append(out, b)
		}
	}
	out = append(out, End)
	return out
}

// Encode stuffs payload and splits it into frames of at most maxFrameLen
// bytes, each prefixed with a 1-byte rolling sequence number so the
// receiver can detect gaps.
func Encode(payload []byte, maxFrameLen int) [][]byte {
	if maxFrameLen < 2 {
		maxFrameLen = 2
	}
	stuffed := stuff(payload)
	chunkLen := maxFrameLen - 1

	frames := make([][]byte, 0, len(stuffed)/chunkLen+1)
	seq := 0
	for offset := 0; offset < len(stuffed); offset += chunkLen {
		end := offset + chunkLen
		if end > len(stuffed) {
			end = len(stuffed)
		}
		frame := make([]byte, 0, 1+chunkLen)
		frame = append(frame, byte(seq&0xFF))
		frame = append(frame, stuffed[offset:end]...)
		frames = append(frames, frame)
		seq++
	}
	return frames
}

// Decoder reassembles frames produced by Encode, maintaining escape carry
// across frame boundaries so a message split mid-escape still reassembles.
// Unstuffed bytes accumulate in a fixed-capacity fifo.Fifo rather than a
// growing slice, so a peer that never sends an End marker fills the buffer
// instead of growing it without bound; Feed notices the full condition via
// GetSpace and reports a malformed frame rather than silently truncating.
type Decoder struct {
	expectedSeq byte
	buf         *fifo.Fifo
	escaping    bool
}

// NewDecoder returns a Decoder ready to reassemble a new message starting
// at sequence number 0, accepting at most DefaultMaxDecodedLen decoded
// bytes.
func NewDecoder() *Decoder {
	return NewDecoderSize(DefaultMaxDecodedLen)
}

// NewDecoderSize is like NewDecoder but with an explicit capacity.
func NewDecoderSize(capacity int) *Decoder {
	// fifo.Fifo keeps one slot empty, so it needs one more than capacity.
	return &Decoder{buf: fifo.NewFifo(uint16(capacity + 1))}
}

// Reset clears a Decoder's buffered bytes and sequence state so it can be
// reused for the next message after a malformed or out-of-sequence frame,
// instead of the caller discarding it and allocating a fresh one.
func (d *Decoder) Reset() {
	d.buf.Reset()
	d.expectedSeq = 0
	d.escaping = false
}

// push appends one unstuffed byte, reporting ok=false if the buffer is
// already full rather than silently dropping the byte.
func (d *Decoder) push(b byte) (ok bool) {
	if d.buf.GetSpace() == 0 {
		return false
	}
	d.buf.Write([]byte{b})
	return true
}

// Feed processes one received frame. ok is false if the frame was
// out-of-sequence, malformed, or overflowed the decode buffer; the caller
// should call Reset (or discard this Decoder) before the next message.
// complete is true once the End marker has been seen, with payload holding
// the fully unstuffed message.
func (d *Decoder) Feed(frame []byte) (complete bool, payload []byte, ok bool) {
	if len(frame) < 1 {
		return false, nil, false
	}
	if frame[0] != d.expectedSeq {
		return false, nil, false
	}
	d.expectedSeq++

	for _, b := range frame[1:] {
		if d.escaping {
			d.escaping = false
			switch b {
			case EscEnd:
				if !d.push(End) {
					return false, nil, false
				}
			case EscEsc:
				if !d.push(Esc) {
					return false, nil, false
				}
			default:
				return false, nil, false
			}
			continue
		}
		switch b {
		case End:
			out := make([]byte, d.buf.GetOccupied())
			d.buf.Read(out, nil)
			return true, out, true
		case Esc:
			d.escaping = true
		default:
			if !d.push(b) {
				return false, nil, false
			}
		}
	}
	return false, nil, true
}
