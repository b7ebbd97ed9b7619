package protocol

import (
	"encoding/binary"
)

// MPIntBody converts an unsigned big-endian magnitude into the body of an SSH mpint: redundant
// leading zeros are stripped, a single zero byte is prepended when the high bit is set, and zero
// becomes an empty slice.
//
// The result never aliases magnitude.
func MPIntBody(magnitude []byte) []byte {
	i := 0
	for i < len(magnitude) && magnitude[i] == 0 {
		i++
	}
	magnitude = magnitude[i:]
	if len(magnitude) == 0 {
		return []byte{}
	}
	if magnitude[0]&0x80 != 0 {
		out := make([]byte, len(magnitude)+1)
		copy(out[1:], magnitude)
		return out
	}
	return append([]byte{}, magnitude...)
}

// AppendString appends an SSH string (uint32 length followed by data) to buf. An mpint is
// appended the same way, using the output of MPIntBody as data.
func AppendString(buf, data []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
	return append(buf, data...)
}
