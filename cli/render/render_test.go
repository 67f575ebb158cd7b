package render

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Format
		wantErr bool
	}{
		{"json lowercase", "json", FormatJSON, false},
		{"json uppercase", "JSON", FormatJSON, false},
		{"table", "table", FormatTable, false},
		{"yaml", "yaml", FormatYAML, false},
		{"msgpack", "msgpack", FormatMsgpack, false},
		{"empty", "", "", false},
		{"invalid", "xml", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseFormat_InvalidErrorMessage(t *testing.T) {
	_, err := ParseFormat("xml")
	if err == nil || !strings.Contains(err.Error(), "json, table, yaml, or msgpack") {
		t.Errorf("error message should list valid formats, got: %v", err)
	}
}

type sample struct {
	Name   string         `json:"name" yaml:"name" msgpack:"name"`
	Count  int            `json:"count" yaml:"count" msgpack:"count"`
	Labels map[string]any `json:"labels" yaml:"labels" msgpack:"labels"`
	hidden string
}

func TestRenderer_JSON(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatJSON, false, &buf)
	if err := r.Render(sample{Name: "a", Count: 2}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, `"name": "a"`) || !strings.Contains(got, `"count": 2`) {
		t.Errorf("JSON output missing expected content: %s", got)
	}
}

func TestRenderer_YAML(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatYAML, false, &buf)
	if err := r.Render(sample{Name: "a", Count: 2}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, "name: a") || !strings.Contains(got, "count: 2") {
		t.Errorf("YAML output missing expected content: %s", got)
	}
}

func TestRenderer_Msgpack(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatMsgpack, false, &buf)
	in := sample{Name: "a", Count: 2, Labels: map[string]any{"k": "v"}}
	if err := r.Render(in); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	var out sample
	if err := msgpack.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("output is not msgpack: %v", err)
	}
	if out.Name != "a" || out.Count != 2 || out.Labels["k"] != "v" {
		t.Errorf("decoded %+v", out)
	}
}

func TestRenderer_TableStruct(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, true, &buf)
	if err := r.Render(&sample{Name: "a", Count: 2, Labels: map[string]any{"b": 1, "a": "x"}}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	got := buf.String()
	for _, want := range []string{"name:", "count:", `{"a":"x","b":1}`} {
		if !strings.Contains(got, want) {
			t.Errorf("table output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "hidden") {
		t.Error("unexported fields should not be rendered")
	}
	if strings.Contains(got, "\x1b[") {
		t.Error("no-color output should not contain escape codes")
	}
}

func TestRenderer_TableMapSorted(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, true, &buf)
	if err := r.Render(map[string]int64{"zeta": 1, "alpha": 2}); err != nil {
		t.Fatal(err)
	}
	got := buf.String()
	if strings.Index(got, "alpha") > strings.Index(got, "zeta") {
		t.Errorf("map keys should be sorted:\n%s", got)
	}
}

func TestRenderer_TableSlice(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, true, &buf)
	if err := r.Render([]sample{{Name: "a", Count: 1}, {Name: "b", Count: 2}}); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header + 2 rows:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "name") {
		t.Errorf("header = %q", lines[0])
	}

	buf.Reset()
	if err := r.Render([]sample{}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "(no results)") {
		t.Errorf("empty slice output = %q", buf.String())
	}
}

type custom struct{}

func (custom) RenderTable(w io.Writer, styles Styles) error {
	_, err := fmt.Fprintln(w, styles.Level("warn").Render("custom layout"))
	return err
}

func TestRenderer_Tabler(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, true, &buf)
	if err := r.Render(custom{}); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "custom layout" {
		t.Errorf("output = %q", buf.String())
	}
}

func TestStyles_Level(t *testing.T) {
	plain := PlainStyles()
	if got := plain.Level("warn").Render("x"); got != "x" {
		t.Errorf("plain level render = %q", got)
	}
	color := ColorStyles()
	if _, ok := color.levels["warn"]; !ok {
		t.Error("color styles should define warn")
	}
	if got := color.Level("unknown").Render("x"); got != "x" {
		t.Errorf("unknown level render = %q", got)
	}
}

func TestFormatValue(t *testing.T) {
	var nilPtr *int
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"string", "hi", "hi"},
		{"float", 20.5, "20.5"},
		{"nil pointer", nilPtr, ""},
		{"slice", []any{"a", 1.0}, `["a",1]`},
		{"map", map[string]any{"k": true}, `{"k":true}`},
		{"bool", true, "true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatValue(reflect.ValueOf(tt.in)); got != tt.want {
				t.Errorf("FormatValue(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
