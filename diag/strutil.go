package diag

// Itoa converts an integer to a string without using fmt.
func Itoa(n int) string {
	if n == 0 {
		return "0"
	}

	negative := n < 0
	if negative {
		n = -n
	}

	var buf [20]byte
	pos := len(buf)
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}

	if negative {
		pos--
		buf[pos] = '-'
	}

	return string(buf[pos:])
}

// Utoa converts an unsigned integer to a string.
func Utoa(n uint32) string {
	if n == 0 {
		return "0"
	}

	var buf [10]byte
	pos := len(buf)
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[pos:])
}

const hexDigits = "0123456789abcdef"

// Hex32 formats v as a fixed-width 0x-prefixed hex string (addresses, checksums).
func Hex32(v uint32) string {
	var buf [10]byte
	buf[0] = '0'
	buf[1] = 'x'
	for i := 9; i >= 2; i-- {
		buf[i] = hexDigits[v&0xF]
		v >>= 4
	}
	return string(buf[:])
}

// valueToString converts a logged value to its string representation.
// Handles the types the bootloader actually logs.
func valueToString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case int:
		return Itoa(val)
	case int32:
		return Itoa(int(val))
	case int64:
		return Itoa(int(val))
	case uint:
		return Utoa(uint32(val))
	case uint8:
		return Utoa(uint32(val))
	case uint16:
		return Utoa(uint32(val))
	case uint32:
		return Utoa(val)
	case bool:
		if val {
			return "true"
		}
		return "false"
	case error:
		return val.Error()
	case interface{ String() string }:
		return val.String()
	default:
		return "?"
	}
}
