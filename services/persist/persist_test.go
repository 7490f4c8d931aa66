package persist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chargectl-go/errcode"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	mem := NewMemory(1024)
	s := New(mem, 3)

	values := map[uint16]any{
		0x08: float32(1234.5), // energy counter
		0x0C: uint16(17),      // full charge cycles
		0x31: float32(14.4),   // topping voltage
		0xA6: uint32(365),     // day counter
	}
	require.NoError(t, s.Save(values))

	got, err := s.Load()
	require.NoError(t, err)

	assert.Len(t, got, 4)
	assert.InDelta(t, 1234.5, asFloat(t, got[0x08]), 0.001)
	assert.EqualValues(t, 17, got[0x0C])
	assert.EqualValues(t, 365, got[0xA6])
}

func TestLoadEmptyDevice(t *testing.T) {
	s := New(NewMemory(256), 3)

	_, err := s.Load()
	assert.Equal(t, errcode.StoreEmpty, errcode.Of(err))
}

func TestLoadVersionMismatch(t *testing.T) {
	mem := NewMemory(256)

	old := New(mem, 2)
	require.NoError(t, old.Save(map[uint16]any{1: uint32(42)}))

	s := New(mem, 3)
	_, err := s.Load()
	assert.Equal(t, errcode.VersionMismatch, errcode.Of(err))
}

func TestLoadRejectsTamperedPayload(t *testing.T) {
	mem := NewMemory(256)
	s := New(mem, 3)
	require.NoError(t, s.Save(map[uint16]any{1: uint32(42)}))

	// flip one payload bit behind the CRC's back
	var b [1]byte
	require.NoError(t, mem.Read(headerSize+2, b[:]))
	b[0] ^= 0x01
	require.NoError(t, mem.Write(headerSize+2, b[:]))

	_, err := s.Load()
	assert.Equal(t, errcode.StoreCorrupt, errcode.Of(err))
}

func TestSaveTooLarge(t *testing.T) {
	s := New(NewMemory(16), 3)

	values := map[uint16]any{}
	for i := uint16(0); i < 32; i++ {
		values[i] = float32(i)
	}
	err := s.Save(values)
	assert.Error(t, err)
}

func asFloat(t *testing.T, v any) float64 {
	t.Helper()
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	default:
		t.Fatalf("value %v (%T) is not a float", v, v)
		return 0
	}
}
