package msgbus

import (
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf8"
)

// Encoding errors.
var (
	ErrStringTooLong = errors.New("string exceeds maximum length of 65535 bytes")
	ErrInvalidUTF8   = errors.New("invalid UTF-8 string")
	ErrBytesTooLong  = errors.New("byte field exceeds maximum length")
)

const (
	maxUint16    = 65535
	maxFieldSize = 1 << 26 // 64 MiB cap on any length-prefixed field
)

// encodeString writes a UTF-8 string with a 2-byte length prefix.
func encodeString(w io.Writer, s string) error {
	if len(s) > maxUint16 {
		return ErrStringTooLong
	}
	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// decodeString reads a UTF-8 string with a 2-byte length prefix.
func decodeString(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}

	length := binary.BigEndian.Uint16(lenBuf[:])
	if length == 0 {
		return "", nil
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if !utf8.Valid(buf) {
		return "", ErrInvalidUTF8
	}
	return string(buf), nil
}

// encodeBytes writes binary data with a 4-byte length prefix.
func encodeBytes(w io.Writer, data []byte) error {
	if len(data) > maxFieldSize {
		return ErrBytesTooLong
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// decodeBytes reads binary data with a 4-byte length prefix.
func decodeBytes(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}
	if length > maxFieldSize {
		return nil, ErrBytesTooLong
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func encodeBool(w io.Writer, v bool) error {
	b := byte(0)
	if v {
		b = 1
	}
	return encodeUint8(w, b)
}

func decodeBool(r io.Reader) (bool, error) {
	b, err := decodeUint8(r)
	return b != 0, err
}

func encodeUint8(w io.Writer, v byte) error {
	_, err := w.Write([]byte{v})
	return err
}

func decodeUint8(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func encodeUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func decodeUint16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func encodeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func decodeUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func encodeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func decodeUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func encodeInt64(w io.Writer, v int64) error {
	return encodeUint64(w, uint64(v))
}

func decodeInt64(r io.Reader) (int64, error) {
	v, err := decodeUint64(r)
	return int64(v), err
}
