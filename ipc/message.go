package ipc

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pithecene-io/jssidecar/types"
)

// HostMessage is a host to worker message with its frame ids.
type HostMessage struct {
	RequestID uint32
	MessageID uint32
	Data      types.HostMessageData
}

// WorkerMessage is a worker to host message with its frame ids.
type WorkerMessage struct {
	RequestID uint32
	MessageID uint32
	Data      types.WorkerMessageData
}

// Type returns the message type of the payload.
func (m *WorkerMessage) Type() types.MessageType {
	return m.Data.MessageType()
}

// EncodeHostMessage encodes msg as a complete frame.
func EncodeHostMessage(msg *HostMessage) ([]byte, error) {
	var payload []byte
	switch d := msg.Data.(type) {
	case *types.RunScriptArgs:
		if d == nil {
			return nil, nilDataError(types.MessageTypeRunScript)
		}
		b, err := json.Marshal(d)
		if err != nil {
			return nil, encodeError(err)
		}
		payload = b
	case types.Ping:
	case nil:
		return nil, &FrameError{Kind: FrameErrorEncode, Msg: "host message has no data"}
	default:
		return nil, &FrameError{Kind: FrameErrorEncode, Msg: fmt.Sprintf("unsupported host message data %T", d)}
	}
	return EncodeFrame(msg.RequestID, msg.MessageID, msg.Data.MessageType(), payload)
}

// WriteHostMessage encodes msg and writes it to w in one Write call.
func WriteHostMessage(w io.Writer, msg *HostMessage) error {
	frame, err := EncodeHostMessage(msg)
	if err != nil {
		return err
	}
	return writeFrame(w, frame)
}

// EncodeWorkerMessage encodes msg as a complete frame. The host never sends
// these; fake workers in tests do.
func EncodeWorkerMessage(msg *WorkerMessage) ([]byte, error) {
	var (
		payload []byte
		err     error
	)
	switch d := msg.Data.(type) {
	case *types.RunResponseData:
		payload, err = marshalNonNil(d, d == nil, types.MessageTypeRunResponse)
	case *types.LogResponseData:
		payload, err = marshalNonNil(d, d == nil, types.MessageTypeLog)
	case *types.ErrorResponseData:
		payload, err = marshalNonNil(d, d == nil, types.MessageTypeError)
	case types.Pong:
	case nil:
		return nil, &FrameError{Kind: FrameErrorEncode, Msg: "worker message has no data"}
	default:
		return nil, &FrameError{Kind: FrameErrorEncode, Msg: fmt.Sprintf("unsupported worker message data %T", d)}
	}
	if err != nil {
		return nil, err
	}
	return EncodeFrame(msg.RequestID, msg.MessageID, msg.Data.MessageType(), payload)
}

// WriteWorkerMessage encodes msg and writes it to w in one Write call.
func WriteWorkerMessage(w io.Writer, msg *WorkerMessage) error {
	frame, err := EncodeWorkerMessage(msg)
	if err != nil {
		return err
	}
	return writeFrame(w, frame)
}

func marshalNonNil(v any, isNil bool, typ types.MessageType) ([]byte, error) {
	if isNil {
		return nil, nilDataError(typ)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, encodeError(err)
	}
	return b, nil
}

// DecodeWorkerData decodes a worker to host payload of the given type.
func DecodeWorkerData(typ types.MessageType, payload []byte) (types.WorkerMessageData, error) {
	if !typ.IsWorkerToHost() {
		return nil, invalidTypeError(typ)
	}
	switch typ {
	case types.MessageTypeRunResponse:
		var d types.RunResponseData
		if err := unmarshalPayload(payload, &d, typ); err != nil {
			return nil, err
		}
		if d.Globals == nil {
			d.Globals = map[string]any{}
		}
		return &d, nil
	case types.MessageTypeLog:
		if err := requireFields(payload, typ, "level"); err != nil {
			return nil, err
		}
		var d types.LogResponseData
		if err := unmarshalPayload(payload, &d, typ); err != nil {
			return nil, err
		}
		return &d, nil
	case types.MessageTypeError:
		if err := requireFields(payload, typ, "message"); err != nil {
			return nil, err
		}
		var d types.ErrorResponseData
		if err := unmarshalPayload(payload, &d, typ); err != nil {
			return nil, err
		}
		return &d, nil
	case types.MessageTypePong:
		return types.Pong{}, nil
	default:
		return nil, invalidTypeError(typ)
	}
}

// DecodeHostData decodes a host to worker payload of the given type.
func DecodeHostData(typ types.MessageType, payload []byte) (types.HostMessageData, error) {
	if !typ.IsHostToWorker() {
		return nil, invalidTypeError(typ)
	}
	switch typ {
	case types.MessageTypeRunScript:
		var d types.RunScriptArgs
		if err := unmarshalPayload(payload, &d, typ); err != nil {
			return nil, err
		}
		return &d, nil
	case types.MessageTypePing:
		return types.Ping{}, nil
	default:
		return nil, invalidTypeError(typ)
	}
}

func unmarshalPayload(payload []byte, v any, typ types.MessageType) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return &FrameError{
			Kind: FrameErrorDecode,
			Code: typ,
			Msg:  fmt.Sprintf("failed to decode %s payload", typ),
			Err:  err,
		}
	}
	return nil
}

// requireFields fails when a key is absent or null. encoding/json would
// otherwise leave the field at its zero value.
func requireFields(payload []byte, typ types.MessageType, keys ...string) error {
	var obj map[string]json.RawMessage
	if err := unmarshalPayload(payload, &obj, typ); err != nil {
		return err
	}
	for _, k := range keys {
		if v, ok := obj[k]; !ok || string(v) == "null" {
			return &FrameError{
				Kind: FrameErrorDecode,
				Code: typ,
				Msg:  fmt.Sprintf("%s payload is missing %q", typ, k),
			}
		}
	}
	return nil
}

func invalidTypeError(typ types.MessageType) error {
	return &FrameError{
		Kind: FrameErrorInvalidType,
		Code: typ,
		Msg:  fmt.Sprintf("unknown message type %d", uint32(typ)),
	}
}

func encodeError(err error) error {
	return &FrameError{
		Kind: FrameErrorEncode,
		Msg:  "failed to serialize JSON payload",
		Err:  err,
	}
}

func nilDataError(typ types.MessageType) error {
	return &FrameError{
		Kind: FrameErrorEncode,
		Code: typ,
		Msg:  fmt.Sprintf("nil %s payload", typ),
	}
}
