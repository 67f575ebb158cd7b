package types

// RunResponseData is the terminal success payload of a run.
type RunResponseData struct {
	// Globals is the global context after the run, or only ReturnKeys when
	// the run asked for them.
	Globals map[string]any `json:"globals" msgpack:"globals" yaml:"globals"`
	// ReturnValue is the value of the expression in expression mode.
	ReturnValue any `json:"return_value" msgpack:"return_value" yaml:"return_value"`
}

// MessageType implements WorkerMessageData.
func (*RunResponseData) MessageType() MessageType { return MessageTypeRunResponse }

func (*RunResponseData) workerMessage() {}

// LogResponseData is a console message emitted during a run. It is not
// terminal; a run may emit any number of them.
type LogResponseData struct {
	// Level is the console method name (log, info, warn, error, debug).
	Level string `json:"level" msgpack:"level" yaml:"level"`
	// Data holds the logged arguments.
	Data any `json:"data" msgpack:"data" yaml:"data"`
}

// MessageType implements WorkerMessageData.
func (*LogResponseData) MessageType() MessageType { return MessageTypeLog }

func (*LogResponseData) workerMessage() {}

// ErrorResponseData is the terminal failure payload of a run.
type ErrorResponseData struct {
	Message string  `json:"message" msgpack:"message" yaml:"message"`
	Stack   *string `json:"stack" msgpack:"stack,omitempty" yaml:"stack,omitempty"`
}

// MessageType implements WorkerMessageData.
func (*ErrorResponseData) MessageType() MessageType { return MessageTypeError }

func (*ErrorResponseData) workerMessage() {}
