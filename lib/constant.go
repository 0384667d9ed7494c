package lib

import "time"

// Init segment header bits
const (
	InitAckBit      uint8 = 1 << 2
	InitOpcodeBit   uint8 = 1 << 1
	InitProtocolBit uint8 = 1 << 0
)

// Stop-and-Wait header bits
const (
	SwSeqBit uint8 = 1 << 2
	SwAckBit uint8 = 1 << 1
	SwEofBit uint8 = 1 << 0
)

const (
	Crc32Length = 4

	InitHeaderLength = 2 // flags + name length
	SwHeaderLength   = 3 // flags + payload length
	SrHeaderLength   = 9 // eof + seq + ack + window + payload length
	InitMinLength    = InitHeaderLength + Crc32Length
	SwMinLength      = SwHeaderLength + Crc32Length
	SrMinLength      = SrHeaderLength + Crc32Length
	MaxNameLength    = 255
	MaxPayloadLength = 65535
)

const (
	DatagramSize       = 1024 // datagram budget for a single segment
	SwPayloadSize      = DatagramSize - SwMinLength
	SrPayloadSize      = DatagramSize - SrMinLength
	ReceiveBufferSize  = 65535 + SrMinLength
	DefaultWindowSize  = 4
	DefaultMaxAttempts = 10
	DefaultTimeout     = 500 * time.Millisecond
	DefaultInitTimeout = 5 * time.Second
	DefaultIdleTimeout = 30 * time.Second
	DefaultJoinTimeout = time.Second
	DefaultInboxSize   = 256
	DefaultPoolSize    = 2000
	ReadPollInterval   = 500 * time.Millisecond // socket read deadline for dispatcher loops
)

// Control messages that are not segment framed
var (
	FinMessage         = []byte("FIN")
	ErrorMessagePrefix = []byte("ERROR:")
)
