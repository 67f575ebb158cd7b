package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/jssidecar/cli/render"
	"github.com/pithecene-io/jssidecar/sidecar"
	"github.com/pithecene-io/jssidecar/types"
)

// connector is satisfied by *sidecar.Sidecar and *sidecar.Manager.
type connector interface {
	Connect(ctx context.Context) (*sidecar.PooledConnection, error)
}

// scriptFlags are the flags that shape a RunScript message.
func scriptFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "name",
			Usage: "Script name shown in stack traces (default: generated)",
		},
		&cli.StringSliceFlag{
			Name:    "global",
			Aliases: []string{"g"},
			Usage:   "Global as key=value; values that parse as JSON are decoded",
		},
		&cli.StringFlag{
			Name:  "globals-json",
			Usage: "Globals as a JSON object, merged under --global",
		},
		&cli.StringSliceFlag{
			Name:  "function",
			Usage: "Function as name(param,...)=body",
		},
		&cli.StringSliceFlag{
			Name:  "return-key",
			Usage: "Only return these globals",
		},
		&cli.Uint64Flag{
			Name:  "timeout-ms",
			Usage: "Script timeout enforced by the worker",
		},
	}
}

// RunCommand returns the run command.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run a script file in a fresh worker",
		ArgsUsage: "<script.js | ->",
		Flags: append(append(SidecarFlags(), scriptFlags()...),
			&cli.StringSliceFlag{
				Name:  "module",
				Usage: "ES module the script can import, as specifier=path",
			},
			&cli.StringFlag{
				Name:    "code",
				Aliases: []string{"e"},
				Usage:   "Inline code instead of a script file",
			},
		),
		Action: runAction,
	}
}

// EvalCommand returns the eval command.
func EvalCommand() *cli.Command {
	return &cli.Command{
		Name:      "eval",
		Usage:     "Evaluate an expression and print its value",
		ArgsUsage: "<expression>",
		Flags:     append(SidecarFlags(), scriptFlags()...),
		Action:    evalAction,
	}
}

func runAction(c *cli.Context) error {
	code, name, err := readCode(c)
	if err != nil {
		return err
	}
	args, err := buildArgs(c, code, false)
	if err != nil {
		return err
	}
	if args.Name == "" {
		args.Name = name
	}
	modules, err := parseModules(c.StringSlice("module"))
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	args.Modules = modules
	return executeAndRender(c, args)
}

func evalAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("eval requires exactly one expression argument", exitUsage)
	}
	args, err := buildArgs(c, c.Args().First(), true)
	if err != nil {
		return err
	}
	return executeAndRender(c, args)
}

// readCode returns the script source and a name derived from its file.
func readCode(c *cli.Context) (code, name string, err error) {
	inline := c.String("code")
	switch {
	case inline != "" && c.NArg() > 0:
		return "", "", cli.Exit("--code and a script argument are mutually exclusive", exitUsage)
	case inline != "":
		return inline, "", nil
	case c.NArg() != 1:
		return "", "", cli.Exit("run requires a script path, - for stdin, or --code", exitUsage)
	}

	path := c.Args().First()
	var data []byte
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
		name = filepath.Base(path)
	}
	if err != nil {
		return "", "", cli.Exit(fmt.Sprintf("failed to read script: %v", err), exitUsage)
	}
	return string(data), name, nil
}

// buildArgs assembles RunScriptArgs from the script flags.
func buildArgs(c *cli.Context, code string, expr bool) (*types.RunScriptArgs, error) {
	globals, err := parseGlobals(c.String("globals-json"), c.StringSlice("global"))
	if err != nil {
		return nil, cli.Exit(err.Error(), exitUsage)
	}
	functions, err := parseFunctions(c.StringSlice("function"))
	if err != nil {
		return nil, cli.Exit(err.Error(), exitUsage)
	}

	args := &types.RunScriptArgs{
		Name:       c.String("name"),
		Code:       &code,
		Expr:       expr,
		Globals:    globals,
		Functions:  functions,
		ReturnKeys: c.StringSlice("return-key"),
	}
	if c.IsSet("timeout-ms") {
		args.WithTimeoutMs(c.Uint64("timeout-ms"))
	}
	return args, nil
}

// parseGlobals merges a JSON object with key=value pairs. Pair values that
// are valid JSON are decoded; anything else is kept as a string.
func parseGlobals(jsonObj string, pairs []string) (map[string]any, error) {
	if jsonObj == "" && len(pairs) == 0 {
		return nil, nil
	}

	globals := make(map[string]any)
	if jsonObj != "" {
		if err := json.Unmarshal([]byte(jsonObj), &globals); err != nil {
			return nil, fmt.Errorf("invalid --globals-json: %w", err)
		}
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --global %q: expected key=value", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		globals[key] = value
	}
	return globals, nil
}

// parseFunctions parses name(a,b)=body definitions.
func parseFunctions(defs []string) ([]types.FunctionDef, error) {
	var functions []types.FunctionDef
	for _, def := range defs {
		sig, body, ok := strings.Cut(def, "=")
		open := strings.IndexByte(sig, '(')
		if !ok || open <= 0 || !strings.HasSuffix(sig, ")") {
			return nil, fmt.Errorf("invalid --function %q: expected name(params)=body", def)
		}

		var params []string
		if list := strings.TrimSpace(sig[open+1 : len(sig)-1]); list != "" {
			for _, p := range strings.Split(list, ",") {
				params = append(params, strings.TrimSpace(p))
			}
		}
		functions = append(functions, types.FunctionDef{
			Name:   strings.TrimSpace(sig[:open]),
			Params: params,
			Code:   body,
		})
	}
	return functions, nil
}

// parseModules reads specifier=path module definitions.
func parseModules(defs []string) ([]types.CodeModule, error) {
	var modules []types.CodeModule
	for _, def := range defs {
		name, path, ok := strings.Cut(def, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("invalid --module %q: expected specifier=path", def)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read module %s: %w", name, err)
		}
		modules = append(modules, types.CodeModule{Name: name, Code: string(data)})
	}
	return modules, nil
}

// executeAndRender starts a worker, runs args once and renders the outcome.
func executeAndRender(c *cli.Context, args *types.RunScriptArgs) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := openSession(ctx, c)
	if err != nil {
		return err
	}
	defer s.Close()

	out, runErr := executeRun(ctx, s.sidecar, args)
	if out != nil {
		if err := s.renderer.Render(out); err != nil {
			return cli.Exit(fmt.Sprintf("failed to render output: %v", err), exitWorkerFailure)
		}
	}

	code := exitCodeFor(runErr)
	switch {
	case code == exitSuccess:
		return nil
	case code == exitScriptError:
		return cli.Exit("", code)
	case errors.Is(ctx.Err(), context.Canceled):
		return cli.Exit("interrupted", code)
	default:
		return cli.Exit(fmt.Sprintf("run failed: %v", runErr), code)
	}
}

// RunOutput is the rendered outcome of one run.
type RunOutput struct {
	Name        string                   `json:"name" yaml:"name" msgpack:"name"`
	Logs        []*types.LogResponseData `json:"logs" yaml:"logs" msgpack:"logs"`
	ReturnValue any                      `json:"return_value,omitempty" yaml:"return_value,omitempty" msgpack:"return_value,omitempty"`
	Globals     map[string]any           `json:"globals,omitempty" yaml:"globals,omitempty" msgpack:"globals,omitempty"`
	Error       *types.ErrorResponseData `json:"error,omitempty" yaml:"error,omitempty" msgpack:"error,omitempty"`
	DurationMs  float64                  `json:"duration_ms" yaml:"duration_ms" msgpack:"duration_ms"`
}

// executeRun runs args on one pooled connection. A script error yields
// both an output and the *sidecar.ScriptError; transport failures yield no
// output.
func executeRun(ctx context.Context, conn connector, args *types.RunScriptArgs) (*RunOutput, error) {
	if args.Name == "" {
		args.Name = types.GenerateRunName()
	}

	pc, err := conn.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer pc.Release()

	start := time.Now()
	res, err := pc.RunScriptAndWait(ctx, args)
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	var scriptErr *sidecar.ScriptError
	switch {
	case errors.As(err, &scriptErr):
		errData := scriptErr.Err
		return &RunOutput{
			Name:       args.Name,
			Logs:       nonNilLogs(scriptErr.Messages),
			Error:      &errData,
			DurationMs: elapsed,
		}, err
	case err != nil:
		return nil, err
	}

	return &RunOutput{
		Name:        args.Name,
		Logs:        nonNilLogs(res.Messages),
		ReturnValue: res.Response.ReturnValue,
		Globals:     res.Response.Globals,
		DurationMs:  elapsed,
	}, nil
}

func nonNilLogs(logs []*types.LogResponseData) []*types.LogResponseData {
	if logs == nil {
		return []*types.LogResponseData{}
	}
	return logs
}

// RenderTable implements render.Tabler: console lines first, then the
// error or the returned values.
func (o *RunOutput) RenderTable(w io.Writer, styles render.Styles) error {
	for _, l := range o.Logs {
		tag := styles.Level(l.Level).Render(fmt.Sprintf("[%s]", l.Level))
		fmt.Fprintf(w, "%s %s\n", tag, formatLogData(l.Data))
	}

	if o.Error != nil {
		fmt.Fprintf(w, "%s %s\n", styles.Error.Render("error:"), o.Error.Message)
		if o.Error.Stack != nil {
			fmt.Fprintln(w, styles.Label.Render(*o.Error.Stack))
		}
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if o.ReturnValue != nil {
		fmt.Fprintf(tw, "%s\t%s\n", styles.Label.Render("return_value:"), render.FormatValue(reflect.ValueOf(o.ReturnValue)))
	}
	keys := make([]string, 0, len(o.Globals))
	for k := range o.Globals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%s\n", styles.Label.Render(k+":"), render.FormatValue(reflect.ValueOf(o.Globals[k])))
	}
	return tw.Flush()
}

// formatLogData prints console arguments space separated, like a terminal
// console would.
func formatLogData(data any) string {
	items, ok := data.([]any)
	if !ok {
		return render.FormatValue(reflect.ValueOf(data))
	}
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = render.FormatValue(reflect.ValueOf(item))
	}
	return strings.Join(parts, " ")
}
