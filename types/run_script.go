package types

import (
	"github.com/google/uuid"
)

// FunctionDef is a function compiled by the worker and placed in the global
// scope of the execution context.
type FunctionDef struct {
	// Name is the global name of the function.
	Name string `json:"name"`
	// Params are the parameter names.
	Params []string `json:"params"`
	// Code is the function body.
	Code string `json:"code"`
}

// CodeModule is an ES module the script can import by name.
type CodeModule struct {
	// Name is the specifier used in import statements.
	Name string `json:"name"`
	// Code is the module source.
	Code string `json:"code"`
}

// RunScriptArgs is the payload of a RunScript message.
//
// Field names and omission rules are part of the wire contract: code,
// globals and timeout_ms are sent as null when unset, while functions,
// modules and return_keys are left out entirely when empty.
type RunScriptArgs struct {
	// Name identifies the script in worker stack traces.
	Name string `json:"name"`
	// Code is the code to run. Nil when the message only initializes the
	// context for later runs.
	Code *string `json:"code"`
	// RecreateContext discards the execution context from the previous run
	// on this connection instead of reusing it.
	RecreateContext bool `json:"recreate_context"`
	// Expr marks Code as a single expression whose value is returned.
	// Expression mode does not support Modules.
	Expr bool `json:"expr"`
	// Globals are set in the context before the code runs.
	Globals map[string]any `json:"globals"`
	// TimeoutMs is forwarded to the worker, which enforces it.
	TimeoutMs *uint64 `json:"timeout_ms"`
	// Functions are compiled and placed in the global scope.
	Functions []FunctionDef `json:"functions,omitempty"`
	// Modules are made available to import statements.
	Modules []CodeModule `json:"modules,omitempty"`
	// ReturnKeys limits the returned globals to these keys. Empty returns
	// the whole global context.
	ReturnKeys []string `json:"return_keys,omitempty"`
}

// MessageType implements HostMessageData.
func (*RunScriptArgs) MessageType() MessageType { return MessageTypeRunScript }

func (*RunScriptArgs) hostMessage() {}

// NewRunScriptArgs returns args that run code under a generated name.
func NewRunScriptArgs(code string) RunScriptArgs {
	return RunScriptArgs{
		Name: GenerateRunName(),
		Code: &code,
	}
}

// GenerateRunName returns a unique script name of the form run-<uuid>.
func GenerateRunName() string {
	return "run-" + uuid.NewString()
}

// WithCode sets Code and returns the receiver for chaining.
func (a *RunScriptArgs) WithCode(code string) *RunScriptArgs {
	a.Code = &code
	return a
}

// WithTimeoutMs sets TimeoutMs and returns the receiver for chaining.
func (a *RunScriptArgs) WithTimeoutMs(ms uint64) *RunScriptArgs {
	a.TimeoutMs = &ms
	return a
}

// Clone returns a copy whose slices and maps can be modified without
// affecting the receiver. Global values themselves are shared.
func (a *RunScriptArgs) Clone() *RunScriptArgs {
	c := *a
	if a.Code != nil {
		code := *a.Code
		c.Code = &code
	}
	if a.TimeoutMs != nil {
		ms := *a.TimeoutMs
		c.TimeoutMs = &ms
	}
	if a.Globals != nil {
		c.Globals = make(map[string]any, len(a.Globals))
		for k, v := range a.Globals {
			c.Globals[k] = v
		}
	}
	c.Functions = append([]FunctionDef(nil), a.Functions...)
	c.Modules = append([]CodeModule(nil), a.Modules...)
	c.ReturnKeys = append([]string(nil), a.ReturnKeys...)
	return &c
}
