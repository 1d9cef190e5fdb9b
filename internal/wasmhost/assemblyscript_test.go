package wasmhost

import (
	"encoding/binary"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeUTF16_BMPOnly(t *testing.T) {
	units := []uint16{'h', 'i'}
	assert.Equal(t, "hi", decodeUTF16(units))
}

func TestDecodeUTF16_SurrogatePair(t *testing.T) {
	// U+1F600 GRINNING FACE as a surrogate pair.
	units := []uint16{0xD83D, 0xDE00}
	got := decodeUTF16(units)
	require.Equal(t, []rune("\U0001F600"), []rune(got))
}

func TestDecodeUTF16_UnpairedSurrogateBecomesReplacementChar(t *testing.T) {
	units := []uint16{0xD800}
	got := decodeUTF16(units)
	assert.Equal(t, "�", got)
}

func TestAppendOutput_TruncatesAtCapacity(t *testing.T) {
	rd := newRuntimeData(nil, 4)
	rd.appendOutput([]byte("hello"))
	assert.Equal(t, 4, len(rd.Output))
}

func TestAppendOutput_DropsPartialUTF8SequenceAtBoundary(t *testing.T) {
	// "é" is two bytes (0xC3 0xA9); capacity 2 leaves room for one ASCII
	// byte plus the lead byte of "é", which must be dropped whole rather
	// than left as a dangling lead byte.
	rd := newRuntimeData(nil, 2)
	rd.appendOutput([]byte("aé"))
	assert.Equal(t, []byte("a"), rd.Output)
	assert.True(t, utf8.Valid(rd.Output))
}

func TestAppendOutput_DropsThreeByteRuneSplitAtLeadByte(t *testing.T) {
	// "€" is three bytes (0xE2 0x82 0xAC); capacity 2 only fits the lead
	// byte and one continuation byte, neither of which forms a valid
	// standalone rune, so both must be dropped.
	rd := newRuntimeData(nil, 2)
	rd.appendOutput([]byte("€"))
	assert.Empty(t, rd.Output)
	assert.True(t, utf8.Valid(rd.Output))
}

func TestAppendOutput_KeepsCompleteRuneLandingExactlyAtBoundary(t *testing.T) {
	// "aé!" truncated to capacity 3 lands exactly after a complete "é";
	// that rune must survive untouched, not be stripped along with it.
	rd := newRuntimeData(nil, 3)
	rd.appendOutput([]byte("aé!"))
	assert.Equal(t, []byte("aé"), rd.Output)
}

func TestAppendOutput_NoRoomIsNoop(t *testing.T) {
	rd := newRuntimeData(nil, 2)
	rd.appendOutput([]byte("ab"))
	rd.appendOutput([]byte("cd"))
	assert.Equal(t, []byte("ab"), rd.Output)
}

func TestReadAssemblyScriptString_RejectsPointerBelowHeaderSize(t *testing.T) {
	_, err := readAssemblyScriptString(nil, 4)
	assert.ErrorIs(t, err, ErrInvalidPointer)
}

// asHeaderBytes builds a 20-byte AssemblyScript object header whose rtId
// and rtSize fields are set, mirroring the original's assemblyscript.rs
// header layout (mmInfo, gcInfo, gcInfo2, rtId, rtSize).
func asHeaderBytes(rtID, rtSize uint32) []byte {
	h := make([]byte, asHeaderSize)
	binary.LittleEndian.PutUint32(h[12:16], rtID)
	binary.LittleEndian.PutUint32(h[16:20], rtSize)
	return h
}

func TestAsHeaderLayout(t *testing.T) {
	h := asHeaderBytes(assemblyScriptStringID, 6)
	assert.Equal(t, uint32(assemblyScriptStringID), binary.LittleEndian.Uint32(h[12:16]))
	assert.Equal(t, uint32(6), binary.LittleEndian.Uint32(h[16:20]))
}
