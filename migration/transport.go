// This file implements the framed binary format used to hand a dirty
// page report to a migration stream or a file.
//
// Wire format for each message:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
package migration

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MsgType identifies a report message.
type MsgType uint32

const (
	MsgDirtyBitmap MsgType = 1 // page size, then the dirty log words
	MsgBlockers    MsgType = 2 // newline separated blocker reasons
	MsgDone        MsgType = 3 // end of report
)

var errShortPayload = errors.New("dirty bitmap payload too short")

// Sender writes framed messages to an underlying writer.
type Sender struct {
	w io.Writer
}

// NewSender wraps w as a Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

func (s *Sender) send(t MsgType, payload []byte) error {
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("send header: %w", err)
	}

	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return fmt.Errorf("send payload: %w", err)
		}
	}

	return nil
}

// SendDirtyLog sends the words of d.
func (s *Sender) SendDirtyLog(d *DirtyLog) error {
	words := d.Words()
	payload := make([]byte, 8+8*len(words))

	binary.BigEndian.PutUint64(payload[0:8], d.PageSize())

	for i, w := range words {
		binary.BigEndian.PutUint64(payload[8+8*i:], w)
	}

	return s.send(MsgDirtyBitmap, payload)
}

// SendBlockers sends the migration blocker reasons of st.
func (s *Sender) SendBlockers(st *State) error {
	return s.send(MsgBlockers, []byte(strings.Join(st.Blockers(), "\n")))
}

// SendDone ends the report.
func (s *Sender) SendDone() error { return s.send(MsgDone, nil) }

// Receiver reads framed messages from an underlying reader.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r as a Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads the next message and returns its type and payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, 12)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length == 0 {
		return t, nil, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload (type=%d len=%d): %w", t, length, err)
	}

	return t, payload, nil
}

// DecodeDirtyLog rebuilds a DirtyLog from a MsgDirtyBitmap payload.
func DecodeDirtyLog(payload []byte) (*DirtyLog, error) {
	if len(payload) < 8 || (len(payload)-8)%8 != 0 {
		return nil, fmt.Errorf("%d bytes: %w", len(payload), errShortPayload)
	}

	d := NewDirtyLog(binary.BigEndian.Uint64(payload[0:8]))
	if d.pageSize == 0 {
		return nil, fmt.Errorf("zero page size: %w", errShortPayload)
	}

	words := make([]uint64, (len(payload)-8)/8)
	for i := range words {
		words[i] = binary.BigEndian.Uint64(payload[8+8*i:])
	}

	d.SetDirtyBitmap(words, 0, uint64(len(words))*64)

	return d, nil
}

// DecodeBlockers splits a MsgBlockers payload.
func DecodeBlockers(payload []byte) []string {
	if len(payload) == 0 {
		return nil
	}

	return strings.Split(string(payload), "\n")
}
