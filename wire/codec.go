package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxMessageLength bounds the 4-byte length prefix to defend against a
// malicious or buggy peer claiming an unbounded frame. It
// must exceed MaxBlockLength by enough room for a PIECE message's 9-byte
// header.
const MaxMessageLength = MaxBlockLength + 1 + 8 + (1 << 14)

// ErrMessageTooLarge returns when a peer announces a frame length exceeding
// MaxMessageLength.
var ErrMessageTooLarge = errors.New("wire: announced message length exceeds maximum")

// Decoder decodes a stream of length-prefixed messages read from an
// underlying io.Reader. It accepts arbitrary byte chunks and yields whole
// messages one at a time; partial frames are buffered internally between
// calls to Decode.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 4096)}
}

// Decode reads and returns the next message from the stream, blocking until
// a full frame (or keep-alive) is available. It returns io.EOF if the
// underlying stream is closed cleanly between frames.
func (d *Decoder) Decode() (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return KeepAliveMessage(), nil
	}
	if length > MaxMessageLength {
		return Message{}, ErrMessageTooLarge
	}

	idByte, err := d.r.ReadByte()
	if err != nil {
		return Message{}, fmt.Errorf("wire: read message id: %w", err)
	}
	id := MessageID(idByte)
	if fixedLen := fixedPayloadLen(id); fixedLen >= 0 {
		if uint32(fixedLen) != length-1 {
			return Message{}, ErrBadPayloadLength
		}
	} else if id != Bitfield && id != Piece {
		return Message{}, ErrUnknownMessageID
	}

	var payload []byte
	if length > 1 {
		payload = make([]byte, length-1)
		if _, err := io.ReadFull(d.r, payload); err != nil {
			return Message{}, fmt.Errorf("wire: read payload: %w", err)
		}
	}
	return Message{ID: id, Payload: payload}, nil
}

// Encoder writes length-prefixed messages to an underlying io.Writer.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes m as a length-prefixed frame.
func (e *Encoder) Encode(m Message) error {
	if m.IsKeepAlive() {
		var lenBuf [4]byte
		_, err := e.w.Write(lenBuf[:])
		return err
	}

	frame := make([]byte, 4+1+len(m.Payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(1+len(m.Payload)))
	frame[4] = byte(m.ID)
	copy(frame[5:], m.Payload)
	_, err := e.w.Write(frame)
	return err
}
