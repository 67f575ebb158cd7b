package types

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMessageType_Direction(t *testing.T) {
	tests := []struct {
		typ          MessageType
		hostToWorker bool
		workerToHost bool
		terminal     bool
	}{
		{MessageTypeRunScript, true, false, false},
		{MessageTypePing, true, false, false},
		{MessageTypeRunResponse, false, true, true},
		{MessageTypeLog, false, true, false},
		{MessageTypeError, false, true, true},
		{MessageTypePong, false, true, false},
		{MessageType(0x9999), false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			if got := tt.typ.IsHostToWorker(); got != tt.hostToWorker {
				t.Errorf("IsHostToWorker() = %v, want %v", got, tt.hostToWorker)
			}
			if got := tt.typ.IsWorkerToHost(); got != tt.workerToHost {
				t.Errorf("IsWorkerToHost() = %v, want %v", got, tt.workerToHost)
			}
			if got := tt.typ.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestMessageType_StringUnknown(t *testing.T) {
	if got := MessageType(0x9999).String(); got != "unknown(0x9999)" {
		t.Errorf("String() = %q, want %q", got, "unknown(0x9999)")
	}
}

func TestDataMessageTypes(t *testing.T) {
	host := []struct {
		data HostMessageData
		want MessageType
	}{
		{&RunScriptArgs{}, MessageTypeRunScript},
		{Ping{}, MessageTypePing},
	}
	for _, h := range host {
		if got := h.data.MessageType(); got != h.want {
			t.Errorf("%T.MessageType() = %v, want %v", h.data, got, h.want)
		}
	}

	worker := []struct {
		data WorkerMessageData
		want MessageType
	}{
		{&RunResponseData{}, MessageTypeRunResponse},
		{&LogResponseData{}, MessageTypeLog},
		{&ErrorResponseData{}, MessageTypeError},
		{Pong{}, MessageTypePong},
	}
	for _, w := range worker {
		if got := w.data.MessageType(); got != w.want {
			t.Errorf("%T.MessageType() = %v, want %v", w.data, got, w.want)
		}
	}
}

func TestRunScriptArgsJSON_NullsAndOmissions(t *testing.T) {
	args := RunScriptArgs{Name: "empty"}

	data, err := json.Marshal(&args)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for _, key := range []string{"code", "globals", "timeout_ms"} {
		v, ok := decoded[key]
		if !ok {
			t.Errorf("%s missing, want explicit null", key)
			continue
		}
		if v != nil {
			t.Errorf("%s = %v, want null", key, v)
		}
	}
	for _, key := range []string{"functions", "modules", "return_keys"} {
		if _, ok := decoded[key]; ok {
			t.Errorf("%s should be omitted when empty", key)
		}
	}
	if decoded["recreate_context"] != false || decoded["expr"] != false {
		t.Errorf("bool flags should always be present: %s", data)
	}
}

func TestRunScriptArgsJSON_Full(t *testing.T) {
	args := NewRunScriptArgs("output + 15")
	args.Expr = true
	args.Globals = map[string]any{"output": 5}
	args.WithTimeoutMs(250)
	args.Functions = []FunctionDef{{Name: "add", Params: []string{"a", "b"}, Code: "return a + b"}}
	args.Modules = []CodeModule{{Name: "util", Code: "export const x = 1"}}
	args.ReturnKeys = []string{"output"}

	data, err := json.Marshal(&args)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	for _, want := range []string{
		`"code":"output + 15"`,
		`"expr":true`,
		`"timeout_ms":250`,
		`"functions":[{"name":"add","params":["a","b"],"code":"return a + b"}]`,
		`"modules":[{"name":"util","code":"export const x = 1"}]`,
		`"return_keys":["output"]`,
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("JSON %s missing %s", data, want)
		}
	}
	if !strings.HasPrefix(args.Name, "run-") {
		t.Errorf("Name = %q, want run- prefix", args.Name)
	}
}

func TestRunScriptArgs_Clone(t *testing.T) {
	orig := NewRunScriptArgs("1")
	orig.Globals = map[string]any{"a": 1.0}
	orig.ReturnKeys = []string{"a"}

	c := orig.Clone()
	*c.Code = "2"
	c.Globals["b"] = 2.0
	c.ReturnKeys[0] = "z"

	if *orig.Code != "1" {
		t.Errorf("orig code changed to %q", *orig.Code)
	}
	if _, ok := orig.Globals["b"]; ok {
		t.Error("orig globals changed")
	}
	if orig.ReturnKeys[0] != "a" {
		t.Error("orig return keys changed")
	}
}

func TestRunResponseDataJSON_Defaults(t *testing.T) {
	var resp RunResponseData
	if err := json.Unmarshal([]byte(`{}`), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Globals != nil || resp.ReturnValue != nil {
		t.Errorf("expected zero values, got %+v", resp)
	}
}

func TestGenerateRunName_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		name := GenerateRunName()
		if seen[name] {
			t.Fatalf("duplicate name %q", name)
		}
		seen[name] = true
	}
}
