package msgbus

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeString(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, encodeString(&buf, "fleet/truck-1/телеметрия"))

		got, err := decodeString(&buf)
		require.NoError(t, err)
		assert.Equal(t, "fleet/truck-1/телеметрия", got)
	})

	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, encodeString(&buf, ""))

		got, err := decodeString(&buf)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("invalid utf8 rejected", func(t *testing.T) {
		var buf bytes.Buffer
		buf.Write([]byte{0x00, 0x02, 0xff, 0xfe})

		_, err := decodeString(&buf)
		assert.ErrorIs(t, err, ErrInvalidUTF8)
	})

	t.Run("too long rejected", func(t *testing.T) {
		var buf bytes.Buffer
		err := encodeString(&buf, string(make([]byte, 1<<17)))
		assert.ErrorIs(t, err, ErrStringTooLong)
	})
}

func TestEncodeDecodeBytes(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		var buf bytes.Buffer
		payload := []byte{0x00, 0x01, 0xff}
		require.NoError(t, encodeBytes(&buf, payload))

		got, err := decodeBytes(&buf)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})

	t.Run("nil encodes as empty", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, encodeBytes(&buf, nil))

		got, err := decodeBytes(&buf)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestEncodeDecodeIntegers(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, encodeBool(&buf, true))
	require.NoError(t, encodeUint8(&buf, 0x7f))
	require.NoError(t, encodeUint16(&buf, 0xbeef))
	require.NoError(t, encodeUint32(&buf, 0xdeadbeef))
	require.NoError(t, encodeUint64(&buf, 1<<50))
	require.NoError(t, encodeInt64(&buf, -42))

	b, err := decodeBool(&buf)
	require.NoError(t, err)
	assert.True(t, b)

	u8, err := decodeUint8(&buf)
	require.NoError(t, err)
	assert.Equal(t, byte(0x7f), u8)

	u16, err := decodeUint16(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xbeef), u16)

	u32, err := decodeUint32(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), u32)

	u64, err := decodeUint64(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<50), u64)

	i64, err := decodeInt64(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(-42), i64)
}
