package lib

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

var (
	ErrTooShort         = errors.New("segment too short")
	ErrTruncated        = errors.New("segment truncated")
	ErrChecksumMismatch = errors.New("segment checksum mismatch")
)

// Operation selects the transfer direction requested by the client.
type Operation uint8

const (
	OpDownload Operation = 0
	OpUpload   Operation = 1
)

func (o Operation) String() string {
	if o == OpUpload {
		return "upload"
	}
	return "download"
}

// Protocol selects the ARQ variant.
type Protocol uint8

const (
	StopAndWaitProtocol     Protocol = 0
	SelectiveRepeatProtocol Protocol = 1
)

func (p Protocol) String() string {
	if p == SelectiveRepeatProtocol {
		return "selective-repeat"
	}
	return "stop-and-wait"
}

// ParseProtocol accepts the long and short spellings used on the command line.
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "stop-and-wait", "sw":
		return StopAndWaitProtocol, nil
	case "selective-repeat", "sr":
		return SelectiveRepeatProtocol, nil
	}
	return 0, fmt.Errorf("unknown protocol %q (use stop-and-wait or selective-repeat)", s)
}

// PayloadSize returns the largest payload that keeps a segment within DatagramSize.
func (p Protocol) PayloadSize() int {
	if p == SelectiveRepeatProtocol {
		return SrPayloadSize
	}
	return SwPayloadSize
}

// InitSegment opens a session: direction, ARQ variant and target file name.
type InitSegment struct {
	Ack       bool
	Operation Operation
	Protocol  Protocol
	Name      string
}

// StopAndWaitSegment carries data or an ACK for the Stop-and-Wait engine.
type StopAndWaitSegment struct {
	Seq     uint8 // 0 or 1
	Ack     uint8 // 0 or 1
	EOF     bool
	Payload []byte
}

// SelectiveRepeatSegment carries data or an ACK for the Selective-Repeat engine.
type SelectiveRepeatSegment struct {
	EOF     bool
	Seq     uint16
	Ack     uint16
	Window  uint16
	Payload []byte
}

// appendChecksum appends the big-endian CRC32 of frame to frame.
func appendChecksum(frame []byte) []byte {
	return binary.BigEndian.AppendUint32(frame, crc32.ChecksumIEEE(frame))
}

// checkFrame validates a received frame of headerLen header bytes declaring
// bodyLen variable bytes. The CRC covers everything but the last four bytes
// of the datagram, so any corruption (length fields included) is reported as
// ErrChecksumMismatch; a frame that also declares more bytes than it carries
// additionally matches ErrTruncated.
func checkFrame(data []byte, headerLen, bodyLen int) error {
	end := len(data) - Crc32Length
	want := headerLen + bodyLen
	received := binary.BigEndian.Uint32(data[end:])
	calculated := crc32.ChecksumIEEE(data[:end])
	switch {
	case calculated != received && want > end:
		return fmt.Errorf("%w: declared %d bytes, have %d: %w", ErrTruncated, bodyLen, end-headerLen, ErrChecksumMismatch)
	case calculated != received:
		return fmt.Errorf("%w: calculated %08x, received %08x", ErrChecksumMismatch, calculated, received)
	case want != end:
		return fmt.Errorf("%w: declared %d bytes, have %d", ErrTruncated, bodyLen, end-headerLen)
	}
	return nil
}

// Marshal converts an InitSegment to its wire form.
func (s *InitSegment) Marshal() ([]byte, error) {
	if len(s.Name) > MaxNameLength {
		return nil, fmt.Errorf("init segment: name length %d exceeds %d", len(s.Name), MaxNameLength)
	}
	var flags uint8
	if s.Ack {
		flags |= InitAckBit
	}
	if s.Operation == OpUpload {
		flags |= InitOpcodeBit
	}
	if s.Protocol == SelectiveRepeatProtocol {
		flags |= InitProtocolBit
	}
	frame := make([]byte, 0, InitMinLength+len(s.Name))
	frame = append(frame, flags, byte(len(s.Name)))
	frame = append(frame, s.Name...)
	return appendChecksum(frame), nil
}

// UnmarshalInit parses an InitSegment.
func UnmarshalInit(data []byte) (*InitSegment, error) {
	if len(data) < InitMinLength {
		return nil, fmt.Errorf("init segment: %w (%d bytes)", ErrTooShort, len(data))
	}
	nameLen := int(data[1])
	if err := checkFrame(data, InitHeaderLength, nameLen); err != nil {
		return nil, fmt.Errorf("init segment: %w", err)
	}
	flags := data[0]
	s := &InitSegment{
		Ack:  flags&InitAckBit != 0,
		Name: string(data[InitHeaderLength : InitHeaderLength+nameLen]),
	}
	if flags&InitOpcodeBit != 0 {
		s.Operation = OpUpload
	}
	if flags&InitProtocolBit != 0 {
		s.Protocol = SelectiveRepeatProtocol
	}
	return s, nil
}

// Equal reports whether two init segments request the same session.
func (s *InitSegment) Equal(o *InitSegment) bool {
	return o != nil && s.Ack == o.Ack && s.Operation == o.Operation && s.Protocol == o.Protocol && s.Name == o.Name
}

// Marshal converts a StopAndWaitSegment to its wire form.
func (s *StopAndWaitSegment) Marshal() ([]byte, error) {
	if len(s.Payload) > MaxPayloadLength {
		return nil, fmt.Errorf("stop-and-wait segment: payload length %d exceeds %d", len(s.Payload), MaxPayloadLength)
	}
	var flags uint8
	if s.Seq&1 != 0 {
		flags |= SwSeqBit
	}
	if s.Ack&1 != 0 {
		flags |= SwAckBit
	}
	if s.EOF {
		flags |= SwEofBit
	}
	frame := make([]byte, 0, SwMinLength+len(s.Payload))
	frame = append(frame, flags)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(s.Payload)))
	frame = append(frame, s.Payload...)
	return appendChecksum(frame), nil
}

// UnmarshalStopAndWait parses a StopAndWaitSegment. The payload is copied out of data.
func UnmarshalStopAndWait(data []byte) (*StopAndWaitSegment, error) {
	if len(data) < SwMinLength {
		return nil, fmt.Errorf("stop-and-wait segment: %w (%d bytes)", ErrTooShort, len(data))
	}
	payloadLen := int(binary.BigEndian.Uint16(data[1:3]))
	if err := checkFrame(data, SwHeaderLength, payloadLen); err != nil {
		return nil, fmt.Errorf("stop-and-wait segment: %w", err)
	}
	flags := data[0]
	s := &StopAndWaitSegment{
		EOF: flags&SwEofBit != 0,
	}
	if flags&SwSeqBit != 0 {
		s.Seq = 1
	}
	if flags&SwAckBit != 0 {
		s.Ack = 1
	}
	if payloadLen > 0 {
		s.Payload = bytes.Clone(data[SwHeaderLength : SwHeaderLength+payloadLen])
	}
	return s, nil
}

// Marshal converts a SelectiveRepeatSegment to its wire form.
func (s *SelectiveRepeatSegment) Marshal() ([]byte, error) {
	if len(s.Payload) > MaxPayloadLength {
		return nil, fmt.Errorf("selective-repeat segment: payload length %d exceeds %d", len(s.Payload), MaxPayloadLength)
	}
	frame := make([]byte, 0, SrMinLength+len(s.Payload))
	if s.EOF {
		frame = append(frame, 1)
	} else {
		frame = append(frame, 0)
	}
	frame = binary.BigEndian.AppendUint16(frame, s.Seq)
	frame = binary.BigEndian.AppendUint16(frame, s.Ack)
	frame = binary.BigEndian.AppendUint16(frame, s.Window)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(s.Payload)))
	frame = append(frame, s.Payload...)
	return appendChecksum(frame), nil
}

// UnmarshalSelectiveRepeat parses a SelectiveRepeatSegment. The payload is copied out of data.
func UnmarshalSelectiveRepeat(data []byte) (*SelectiveRepeatSegment, error) {
	if len(data) < SrMinLength {
		return nil, fmt.Errorf("selective-repeat segment: %w (%d bytes)", ErrTooShort, len(data))
	}
	payloadLen := int(binary.BigEndian.Uint16(data[7:9]))
	if err := checkFrame(data, SrHeaderLength, payloadLen); err != nil {
		return nil, fmt.Errorf("selective-repeat segment: %w", err)
	}
	s := &SelectiveRepeatSegment{
		EOF:    data[0] != 0,
		Seq:    binary.BigEndian.Uint16(data[1:3]),
		Ack:    binary.BigEndian.Uint16(data[3:5]),
		Window: binary.BigEndian.Uint16(data[5:7]),
	}
	if payloadLen > 0 {
		s.Payload = bytes.Clone(data[SrHeaderLength : SrHeaderLength+payloadLen])
	}
	return s, nil
}

// IsFin reports whether data is the FIN control message.
func IsFin(data []byte) bool {
	return bytes.Equal(data, FinMessage)
}

// IsErrorReply reports whether data is an "ERROR:" control reply.
func IsErrorReply(data []byte) bool {
	return bytes.HasPrefix(data, ErrorMessagePrefix)
}

// ErrorReply builds an "ERROR: <reason>" control reply.
func ErrorReply(reason string) []byte {
	return append(append([]byte{}, ErrorMessagePrefix...), " "+reason...)
}
