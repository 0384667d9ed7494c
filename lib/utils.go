package lib

import (
	"errors"
)

func SeqIncrement(seq uint16) uint16 {
	return seq + 1 // implicit modulo operation included
}

// seqDistance is the number of increments needed to go from seq2 to seq1.
func seqDistance(seq1, seq2 uint16) uint16 {
	return seq1 - seq2
}

// SEQ compare function with SEQ wraparound in mind. seq1 is greater than seq2
// when it lies less than half the sequence space ahead of it.
func isGreater(seq1, seq2 uint16) bool {
	return seq1 != seq2 && int16(seq1-seq2) > 0
}

func isGreaterOrEqual(seq1, seq2 uint16) bool {
	return isGreater(seq1, seq2) || (seq1 == seq2)
}

func isLess(seq1, seq2 uint16) bool {
	return !isGreaterOrEqual(seq1, seq2)
}

// inWindow reports whether seq lies in [base, base+size).
func inWindow(seq, base, size uint16) bool {
	return seqDistance(seq, base) < size
}

// TimeoutError is returned by transports when no datagram arrived in time.
type TimeoutError struct {
	msg string
}

func (e *TimeoutError) Error() string {
	return e.msg
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) Temporary() bool {
	return true
}

// Is lets errors.Is(err, ErrWouldBlock) match any TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrWouldBlock
}

// ErrWouldBlock is matched by transport read timeouts.
var ErrWouldBlock = errors.New("no datagram available")
