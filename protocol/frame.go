package protocol

import "bytes"

// Frame layout: [len][seq][payload...][crc hi][crc lo][sync]. len counts
// the whole frame. The CRC covers len, seq and payload.
const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 255
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3 // offset of the CRC from the end of the frame
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E
	MessageDest        = 0x10
)

// Message is one validated frame.
type Message struct {
	Length   uint8
	Sequence uint8
	Payload  []byte // between header and trailer; aliases the scanned buffer
	CRC      uint16
}

// deframer splits a byte stream into frames. After a length, destination,
// trailer or CRC failure it drops everything up to the next sync byte.
type deframer struct {
	lost     bool
	resyncs  uint32
	wantDest bool // reject frames whose seq lacks the device destination bits
}

// next returns the first valid frame in data and the bytes that follow it.
// When no complete frame is available ok is false and rest holds the bytes
// that must be kept until more arrive.
func (d *deframer) next(data []byte) (m Message, rest []byte, ok bool) {
	for len(data) > 0 {
		if d.lost {
			i := bytes.IndexByte(data, MessageValueSync)
			if i < 0 {
				return Message{}, nil, false
			}
			data = data[i+1:]
			d.lost = false
			d.resyncs++
			continue
		}
		if data[0] == MessageValueSync {
			data = data[1:]
			continue
		}
		if len(data) < MessageLengthMin {
			break
		}

		n := int(data[MessagePositionLen])
		if n < MessageLengthMin {
			d.lost = true
			continue
		}
		seq := data[MessagePositionSeq]
		if d.wantDest && seq&^MessageSeqMask != MessageDest {
			d.lost = true
			continue
		}
		if len(data) < n {
			break
		}
		if data[n-MessageTrailerSync] != MessageValueSync {
			d.lost = true
			continue
		}
		crc := uint16(data[n-MessageTrailerCRC])<<8 | uint16(data[n-MessageTrailerCRC+1])
		if crc != CRC16(data[:n-MessageTrailerSize]) {
			d.lost = true
			continue
		}
		return Message{
			Length:   uint8(n),
			Sequence: seq,
			Payload:  data[MessageHeaderSize : n-MessageTrailerSize],
			CRC:      crc,
		}, data[n:], true
	}
	return Message{}, data, false
}

// reset forgets any partial resync.
func (d *deframer) reset() {
	d.lost = false
}

// appendTrailer computes the CRC over frame (header and payload), patches
// the length byte and appends the trailer.
func appendTrailer(frame []byte) []byte {
	frame[MessagePositionLen] = uint8(len(frame) + MessageTrailerSize)
	crc := CRC16(frame)
	return append(frame, byte(crc>>8), byte(crc), MessageValueSync)
}
