package msgbus

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameType identifies a wire frame.
type FrameType byte

// Wire frame types.
const (
	FrameOpen         FrameType = 1
	FrameOpenAck      FrameType = 2
	FrameChallenge    FrameType = 3
	FrameAuthProof    FrameType = 4
	FramePublish      FrameType = 5
	FramePubAck       FrameType = 6
	FrameSubscribe    FrameType = 7
	FrameSubAck       FrameType = 8
	FrameUnsubscribe  FrameType = 9
	FrameBind         FrameType = 10
	FrameBindAck      FrameType = 11
	FrameUnbind       FrameType = 12
	FrameClientAck    FrameType = 13
	FrameFlowState    FrameType = 14
	FrameFlowCtl      FrameType = 15
	FramePing         FrameType = 16
	FramePong         FrameType = 17
	FrameCacheRequest FrameType = 18
	FrameCacheReply   FrameType = 19
	FrameTxn          FrameType = 20
	FrameTxnAck       FrameType = 21
	FrameProvision    FrameType = 22
	FrameProvisionAck FrameType = 23
	FrameClose        FrameType = 24
)

// String returns the frame type name.
func (t FrameType) String() string {
	switch t {
	case FrameOpen:
		return "OPEN"
	case FrameOpenAck:
		return "OPENACK"
	case FrameChallenge:
		return "CHALLENGE"
	case FrameAuthProof:
		return "AUTHPROOF"
	case FramePublish:
		return "PUBLISH"
	case FramePubAck:
		return "PUBACK"
	case FrameSubscribe:
		return "SUBSCRIBE"
	case FrameSubAck:
		return "SUBACK"
	case FrameUnsubscribe:
		return "UNSUBSCRIBE"
	case FrameBind:
		return "BIND"
	case FrameBindAck:
		return "BINDACK"
	case FrameUnbind:
		return "UNBIND"
	case FrameClientAck:
		return "CLIENTACK"
	case FrameFlowState:
		return "FLOWSTATE"
	case FrameFlowCtl:
		return "FLOWCTL"
	case FramePing:
		return "PING"
	case FramePong:
		return "PONG"
	case FrameCacheRequest:
		return "CACHEREQUEST"
	case FrameCacheReply:
		return "CACHEREPLY"
	case FrameTxn:
		return "TXN"
	case FrameTxnAck:
		return "TXNACK"
	case FrameProvision:
		return "PROVISION"
	case FrameProvisionAck:
		return "PROVISIONACK"
	case FrameClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Frame codec errors.
var (
	ErrUnknownFrameType = errors.New("unknown frame type")
	ErrFrameTooLarge    = errors.New("frame exceeds maximum size")
)

// maxFrameSize bounds a single frame body on the wire.
const maxFrameSize = maxFieldSize + 4096

// Frame is a single wire protocol unit.
type Frame interface {
	// Type returns the frame type.
	Type() FrameType

	// encode writes the frame body.
	encode(w io.Writer) error

	// decode reads the frame body.
	decode(r io.Reader) error
}

// newFrame returns a zero value for the given frame type.
func newFrame(t FrameType) (Frame, error) {
	switch t {
	case FrameOpen:
		return &OpenFrame{}, nil
	case FrameOpenAck:
		return &OpenAckFrame{}, nil
	case FrameChallenge:
		return &ChallengeFrame{}, nil
	case FrameAuthProof:
		return &AuthProofFrame{}, nil
	case FramePublish:
		return &PublishFrame{}, nil
	case FramePubAck:
		return &PubAckFrame{}, nil
	case FrameSubscribe:
		return &SubscribeFrame{}, nil
	case FrameSubAck:
		return &SubAckFrame{}, nil
	case FrameUnsubscribe:
		return &UnsubscribeFrame{}, nil
	case FrameBind:
		return &BindFrame{}, nil
	case FrameBindAck:
		return &BindAckFrame{}, nil
	case FrameUnbind:
		return &UnbindFrame{}, nil
	case FrameClientAck:
		return &ClientAckFrame{}, nil
	case FrameFlowState:
		return &FlowStateFrame{}, nil
	case FrameFlowCtl:
		return &FlowCtlFrame{}, nil
	case FramePing:
		return &PingFrame{}, nil
	case FramePong:
		return &PongFrame{}, nil
	case FrameCacheRequest:
		return &CacheRequestFrame{}, nil
	case FrameCacheReply:
		return &CacheReplyFrame{}, nil
	case FrameTxn:
		return &TxnFrame{}, nil
	case FrameTxnAck:
		return &TxnAckFrame{}, nil
	case FrameProvision:
		return &ProvisionFrame{}, nil
	case FrameProvisionAck:
		return &ProvisionAckFrame{}, nil
	case FrameClose:
		return &CloseFrame{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFrameType, t)
	}
}

// Frame header layout: type byte, flags byte, uint32 body length.
const frameHeaderSize = 6

// Frame flags.
const flagCompressed byte = 0x01

// compressThreshold is the minimum body size worth compressing.
const compressThreshold = 512

// WriteFrame encodes and writes a complete frame without compression.
func WriteFrame(w io.Writer, f Frame) error {
	return writeFrameLevel(w, f, 0)
}

// writeFrameLevel encodes and writes a complete frame, compressing the
// body with zlib at the given level when the peer negotiated compression.
// Compression is skipped when it does not shrink the body.
func writeFrameLevel(w io.Writer, f Frame, level int) error {
	var body bytes.Buffer
	if err := f.encode(&body); err != nil {
		return err
	}
	if body.Len() > maxFrameSize {
		return ErrFrameTooLarge
	}

	payload := body.Bytes()
	var flags byte

	if level > 0 && body.Len() >= compressThreshold {
		var compressed bytes.Buffer
		zw, err := zlib.NewWriterLevel(&compressed, level)
		if err == nil {
			if _, err := zw.Write(payload); err == nil && zw.Close() == nil &&
				compressed.Len() < len(payload) {
				payload = compressed.Bytes()
				flags |= flagCompressed
			}
		}
	}

	var header [frameHeaderSize]byte
	header[0] = byte(f.Type())
	header[1] = flags
	binary.BigEndian.PutUint32(header[2:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads and decodes one complete frame, transparently inflating
// compressed bodies.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[2:])
	if length > maxFrameSize {
		return nil, ErrFrameTooLarge
	}

	f, err := newFrame(FrameType(header[0]))
	if err != nil {
		return nil, err
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	var br io.Reader = bytes.NewReader(body)
	if header[1]&flagCompressed != 0 {
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("corrupt compressed frame: %w", err)
		}
		defer zr.Close()
		br = zr
	}

	if err := f.decode(br); err != nil {
		return nil, err
	}
	return f, nil
}
