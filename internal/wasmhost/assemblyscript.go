package wasmhost

import (
	"encoding/binary"
	"errors"

	"github.com/tetratelabs/wazero/api"
)

// ErrInvalidPointer is returned when a guest-supplied pointer does not
// decode to a well-formed AssemblyScript string: out of bounds, wrong
// class id, or unaligned header.
var ErrInvalidPointer = errors.New("invalid pointer")

// assemblyScriptStringID is the runtime class id AssemblyScript assigns
// to its built-in `string` type; any header reporting a different id is
// not a string and is rejected.
const assemblyScriptStringID = 1

// asHeaderSize is the byte length of the five-word header
// (mmInfo, gcInfo, gcInfo2, rtId, rtSize) immediately preceding every
// AssemblyScript heap object.
const asHeaderSize = 20

// readAssemblyScriptString decodes a UTF-16LE AssemblyScript string
// located at ptr in the guest's linear memory. The string's header sits
// 20 bytes before ptr; rtSize (the fifth header word) gives the byte
// length of the UTF-16LE payload.
func readAssemblyScriptString(mem api.Memory, ptr uint32) (string, error) {
	if ptr < asHeaderSize || ptr%4 != 0 {
		return "", ErrInvalidPointer
	}

	header, ok := mem.Read(ptr-asHeaderSize, asHeaderSize)
	if !ok {
		return "", ErrInvalidPointer
	}

	rtID := binary.LittleEndian.Uint32(header[12:16])
	if rtID != assemblyScriptStringID {
		return "", ErrInvalidPointer
	}
	rtSize := binary.LittleEndian.Uint32(header[16:20])
	if rtSize%2 != 0 {
		return "", ErrInvalidPointer
	}

	if rtSize == 0 {
		return "", nil
	}

	payload, ok := mem.Read(ptr, rtSize)
	if !ok {
		return "", ErrInvalidPointer
	}

	units := make([]uint16, rtSize/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(payload[i*2 : i*2+2])
	}
	return decodeUTF16(units), nil
}

// decodeUTF16 converts UTF-16 code units to a Go string, substituting
// the replacement character for any unpaired surrogate rather than
// failing the whole decode.
func decodeUTF16(units []uint16) string {
	var b []rune
	for i := 0; i < len(units); i++ {
		r := units[i]
		switch {
		case r < 0xD800 || r > 0xDFFF:
			b = append(b, rune(r))
		case r <= 0xDBFF && i+1 < len(units) && units[i+1] >= 0xDC00 && units[i+1] <= 0xDFFF:
			lo := units[i+1]
			combined := (rune(r)-0xD800)<<10 + (rune(lo) - 0xDC00) + 0x10000
			b = append(b, combined)
			i++
		default:
			b = append(b, 0xFFFD)
		}
	}
	return string(b)
}
