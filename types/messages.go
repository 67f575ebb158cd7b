// Package types defines the payload schemas and message codes shared by the
// host and the worker.
//
//nolint:revive // types is a common Go package naming convention
package types

import "fmt"

// MessageType is the frame type discriminator carried in every frame header.
type MessageType uint32

// Host to worker message types.
const (
	MessageTypeRunScript MessageType = 0
	MessageTypePing      MessageType = 1
)

// Worker to host message types.
const (
	MessageTypeRunResponse MessageType = 0x1000
	MessageTypeLog         MessageType = 0x1001
	MessageTypeError       MessageType = 0x1002
	MessageTypePong        MessageType = 0x1003
)

// String returns a readable name for known message types.
func (t MessageType) String() string {
	switch t {
	case MessageTypeRunScript:
		return "run_script"
	case MessageTypePing:
		return "ping"
	case MessageTypeRunResponse:
		return "run_response"
	case MessageTypeLog:
		return "log"
	case MessageTypeError:
		return "error"
	case MessageTypePong:
		return "pong"
	default:
		return fmt.Sprintf("unknown(0x%x)", uint32(t))
	}
}

// IsHostToWorker returns true for message types the host sends.
func (t MessageType) IsHostToWorker() bool {
	return t == MessageTypeRunScript || t == MessageTypePing
}

// IsWorkerToHost returns true for message types the worker sends.
func (t MessageType) IsWorkerToHost() bool {
	return t >= MessageTypeRunResponse && t <= MessageTypePong
}

// IsTerminal returns true if this message type ends a run.
func (t MessageType) IsTerminal() bool {
	return t == MessageTypeRunResponse || t == MessageTypeError
}

// HostMessageData is the payload of a host to worker message.
// Implemented by *RunScriptArgs and Ping.
type HostMessageData interface {
	MessageType() MessageType
	hostMessage()
}

// WorkerMessageData is the payload of a worker to host message.
// Implemented by *RunResponseData, *LogResponseData, *ErrorResponseData and Pong.
type WorkerMessageData interface {
	MessageType() MessageType
	workerMessage()
}

// Ping asks the worker to answer with Pong. It has no payload.
type Ping struct{}

// MessageType implements HostMessageData.
func (Ping) MessageType() MessageType { return MessageTypePing }

func (Ping) hostMessage() {}

// Pong answers a Ping. It has no payload.
type Pong struct{}

// MessageType implements WorkerMessageData.
func (Pong) MessageType() MessageType { return MessageTypePong }

func (Pong) workerMessage() {}
