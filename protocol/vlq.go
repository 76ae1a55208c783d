package protocol

import "errors"

var (
	ErrInvalidVLQ     = errors.New("invalid VLQ encoding")
	ErrBufferTooSmall = errors.New("buffer too small for VLQ")
	ErrNotResult      = errors.New("message is not a result")
)

// maxVLQLen is the longest encoding of a 32-bit value.
const maxVLQLen = 5

// vlqLen returns the number of 7-bit groups needed for v. The top group
// carries the sign in its 0x40 bit, so each length covers an asymmetric
// range around zero.
func vlqLen(v int32) int {
	switch {
	case -(1<<5) <= v && v < 3<<5:
		return 1
	case -(1<<12) <= v && v < 3<<12:
		return 2
	case -(1<<19) <= v && v < 3<<19:
		return 3
	case -(1<<26) <= v && v < 3<<26:
		return 4
	}
	return maxVLQLen
}

// EncodeVLQInt writes v most significant group first, with 0x80 set on
// every byte but the last.
func EncodeVLQInt(output OutputBuffer, v int32) {
	var buf [maxVLQLen]byte
	n := vlqLen(v)
	for i := 0; i < n; i++ {
		buf[i] = byte(v>>(7*(n-1-i)))&0x7F | 0x80
	}
	buf[n-1] &^= 0x80
	output.Output(buf[:n])
}

// EncodeVLQUint encodes v by its two's complement bit pattern, so values
// at or above 0x80000000 take as few bytes as small negative numbers.
func EncodeVLQUint(output OutputBuffer, v uint32) {
	EncodeVLQInt(output, int32(v))
}

// DecodeVLQInt reads one value and advances data past it.
func DecodeVLQInt(data *[]byte) (int32, error) {
	in := *data
	if len(in) == 0 {
		return 0, ErrBufferTooSmall
	}

	c := in[0]
	v := uint32(c & 0x7F)
	if c&0x60 == 0x60 {
		v |= ^uint32(0x1F)
	}
	n := 1
	for c&0x80 != 0 {
		if n == maxVLQLen {
			return 0, ErrInvalidVLQ
		}
		if n == len(in) {
			return 0, ErrBufferTooSmall
		}
		c = in[n]
		v = v<<7 | uint32(c&0x7F)
		n++
	}

	*data = in[n:]
	return int32(v), nil
}

func DecodeVLQUint(data *[]byte) (uint32, error) {
	v, err := DecodeVLQInt(data)
	return uint32(v), err
}

// EncodeVLQBytes writes a length prefix followed by data.
func EncodeVLQBytes(output OutputBuffer, data []byte) {
	EncodeVLQUint(output, uint32(len(data)))
	output.Output(data)
}

// DecodeVLQBytes returns a slice of data, not a copy.
func DecodeVLQBytes(data *[]byte) ([]byte, error) {
	in := *data
	length, err := DecodeVLQUint(&in)
	if err != nil {
		return nil, err
	}
	if uint64(length) > uint64(len(in)) {
		return nil, ErrBufferTooSmall
	}
	*data = in[length:]
	return in[:length], nil
}

func EncodeVLQString(output OutputBuffer, s string) {
	EncodeVLQBytes(output, []byte(s))
}

func DecodeVLQString(data *[]byte) (string, error) {
	b, err := DecodeVLQBytes(data)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
