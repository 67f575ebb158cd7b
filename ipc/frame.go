// Package ipc implements the host/worker wire protocol.
//
// Every frame is a 16-byte little-endian header followed by a payload:
//
//	[length u32][request_id u32][message_id u32][message_type u32][payload]
//
// length counts the three header fields after it plus the payload, so the
// payload is length-12 bytes. Payloads are JSON for data-carrying message
// types and empty for Ping and Pong.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pithecene-io/jssidecar/types"
)

// Frame size constants.
const (
	// HeaderSize is the full header size in bytes, including the length field.
	HeaderSize = 16
	// LengthPrefixSize is the size of the length field.
	LengthPrefixSize = 4
	// HeaderFieldsSize is the part of the header counted by the length field.
	HeaderFieldsSize = HeaderSize - LengthPrefixSize
	// MaxPayloadSize bounds a single payload (64 MiB).
	MaxPayloadSize = 64 * 1024 * 1024
)

// FrameErrorKind classifies frame errors.
type FrameErrorKind int

const (
	// FrameErrorRead indicates the stream failed or ended mid-read.
	FrameErrorRead FrameErrorKind = iota
	// FrameErrorWrite indicates the stream rejected a write.
	FrameErrorWrite
	// FrameErrorShort indicates a length field smaller than the header fields.
	FrameErrorShort
	// FrameErrorTooLarge indicates a payload exceeding MaxPayloadSize.
	FrameErrorTooLarge
	// FrameErrorInvalidType indicates an unknown message type.
	FrameErrorInvalidType
	// FrameErrorEncode indicates a payload could not be serialized.
	FrameErrorEncode
	// FrameErrorDecode indicates a payload could not be deserialized.
	FrameErrorDecode
)

// String returns the kind name used in logs.
func (k FrameErrorKind) String() string {
	switch k {
	case FrameErrorRead:
		return "read_stream"
	case FrameErrorWrite:
		return "write_stream"
	case FrameErrorShort:
		return "short_frame"
	case FrameErrorTooLarge:
		return "frame_too_large"
	case FrameErrorInvalidType:
		return "invalid_message_type"
	case FrameErrorEncode:
		return "json_serialize"
	case FrameErrorDecode:
		return "payload_decode"
	default:
		return fmt.Sprintf("frame_error(%d)", int(k))
	}
}

// FrameError represents a framing, transport or payload error.
type FrameError struct {
	Kind FrameErrorKind
	// Code is the offending message type for FrameErrorInvalidType.
	Code types.MessageType
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the stream can no longer be trusted after this
// error. Only an encode failure leaves the stream untouched.
func (e *FrameError) IsFatal() bool {
	return e.Kind != FrameErrorEncode
}

// IsFatalFrameError returns true if err is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// IsInvalidMessageType reports whether err is an unknown message type error
// and returns the offending code.
func IsInvalidMessageType(err error) (types.MessageType, bool) {
	var frameErr *FrameError
	if errors.As(err, &frameErr) && frameErr.Kind == FrameErrorInvalidType {
		return frameErr.Code, true
	}
	return 0, false
}

// Header is a decoded frame header.
type Header struct {
	Length    uint32
	RequestID uint32
	MessageID uint32
	Type      types.MessageType
}

// PayloadSize returns the payload length described by the header. Only
// meaningful when Length >= HeaderFieldsSize.
func (h Header) PayloadSize() uint32 {
	return h.Length - HeaderFieldsSize
}

func putHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Length)
	binary.LittleEndian.PutUint32(buf[4:8], h.RequestID)
	binary.LittleEndian.PutUint32(buf[8:12], h.MessageID)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.Type))
}

func parseHeader(buf []byte) Header {
	return Header{
		Length:    binary.LittleEndian.Uint32(buf[0:4]),
		RequestID: binary.LittleEndian.Uint32(buf[4:8]),
		MessageID: binary.LittleEndian.Uint32(buf[8:12]),
		Type:      types.MessageType(binary.LittleEndian.Uint32(buf[12:16])),
	}
}

// EncodeFrame builds a complete frame around an already serialized payload.
func EncodeFrame(requestID, messageID uint32, typ types.MessageType, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}

	buf := make([]byte, HeaderSize+len(payload))
	putHeader(buf, Header{
		Length:    uint32(len(payload) + HeaderFieldsSize),
		RequestID: requestID,
		MessageID: messageID,
		Type:      typ,
	})
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// writeFrame writes a frame with a single Write call so concurrent writers
// guarded by the same lock never interleave partial frames.
func writeFrame(w io.Writer, frame []byte) error {
	if _, err := w.Write(frame); err != nil {
		return &FrameError{
			Kind: FrameErrorWrite,
			Msg:  "failed to write to stream",
			Err:  err,
		}
	}
	return nil
}

// FrameDecoder reads frames from a stream.
type FrameDecoder struct {
	reader io.Reader
	header [HeaderSize]byte
}

// NewFrameDecoder creates a new frame decoder.
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	return &FrameDecoder{reader: r}
}

// ReadFrame reads a single frame and returns its header and raw payload.
//
// Errors are always *FrameError. A stream that ends cleanly before the
// first header byte yields FrameErrorRead wrapping io.EOF; any other short
// read wraps io.ErrUnexpectedEOF or the underlying read error.
func (d *FrameDecoder) ReadFrame() (Header, []byte, error) {
	if _, err := io.ReadFull(d.reader, d.header[:]); err != nil {
		return Header{}, nil, &FrameError{
			Kind: FrameErrorRead,
			Msg:  "failed to read frame header",
			Err:  err,
		}
	}

	h := parseHeader(d.header[:])
	if h.Length < HeaderFieldsSize {
		return h, nil, &FrameError{
			Kind: FrameErrorShort,
			Msg:  fmt.Sprintf("frame length %d is shorter than header fields (%d)", h.Length, HeaderFieldsSize),
		}
	}

	size := h.PayloadSize()
	if size > MaxPayloadSize {
		return h, nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", size, MaxPayloadSize),
		}
	}

	payload := make([]byte, int(size))
	if _, err := io.ReadFull(d.reader, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return h, nil, &FrameError{
			Kind: FrameErrorRead,
			Msg:  "failed to read frame payload",
			Err:  err,
		}
	}

	return h, payload, nil
}

// ReadWorkerMessage reads and decodes the next worker to host message.
func (d *FrameDecoder) ReadWorkerMessage() (*WorkerMessage, error) {
	h, payload, err := d.ReadFrame()
	if err != nil {
		return nil, err
	}
	data, err := DecodeWorkerData(h.Type, payload)
	if err != nil {
		return nil, err
	}
	return &WorkerMessage{RequestID: h.RequestID, MessageID: h.MessageID, Data: data}, nil
}

// ReadHostMessage reads and decodes the next host to worker message.
func (d *FrameDecoder) ReadHostMessage() (*HostMessage, error) {
	h, payload, err := d.ReadFrame()
	if err != nil {
		return nil, err
	}
	data, err := DecodeHostData(h.Type, payload)
	if err != nil {
		return nil, err
	}
	return &HostMessage{RequestID: h.RequestID, MessageID: h.MessageID, Data: data}, nil
}

// ReadWorkerMessage reads one worker to host message from r.
// Use a FrameDecoder when reading many frames from the same stream.
func ReadWorkerMessage(r io.Reader) (*WorkerMessage, error) {
	return NewFrameDecoder(r).ReadWorkerMessage()
}

// ReadHostMessage reads one host to worker message from r.
func ReadHostMessage(r io.Reader) (*HostMessage, error) {
	return NewFrameDecoder(r).ReadHostMessage()
}
