package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/Mindburn-Labs/accord/pkg/canonicalize"
	"github.com/Mindburn-Labs/accord/pkg/eventstore"
	"github.com/Mindburn-Labs/accord/pkg/interfaces"
)

// WasmOptions bound a WasmVerifier.
type WasmOptions struct {
	Scope            []string
	Timeout          time.Duration
	MemoryLimitPages uint32
	Severity         interfaces.Severity
}

// WasmVerifier runs a sandboxed WebAssembly policy module.
//
// The module exports memory and check(ptr, len i32) i32. The host writes the
// canonical JSON {"action","agent","payload","sequence"} into memory, at the
// pointer returned by an exported alloc(len i32) i32 if present or at 0
// otherwise, and calls check. A non-zero result passes.
//
// Each check runs in a fresh instance with no filesystem, network or clock.
type WasmVerifier struct {
	Scope
	name     string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	timeout  time.Duration
	severity interfaces.Severity
}

type wasmInput struct {
	Action   string          `json:"action"`
	Agent    string          `json:"agent"`
	Payload  json.RawMessage `json:"payload"`
	Sequence uint64          `json:"sequence"`
}

// NewWasmVerifier compiles module. Close releases the runtime.
func NewWasmVerifier(ctx context.Context, name string, module []byte, opts WasmOptions) (*WasmVerifier, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if opts.MemoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(opts.MemoryLimitPages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, cfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, module)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasm policy %s: compilation failed: %w", name, err)
	}
	if _, ok := compiled.ExportedFunctions()["check"]; !ok {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasm policy %s: module does not export check", name)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &WasmVerifier{
		Scope:    opts.Scope,
		name:     name,
		runtime:  r,
		compiled: compiled,
		timeout:  timeout,
		severity: orDefault(opts.Severity, interfaces.SeverityMedium),
	}, nil
}

func (w *WasmVerifier) Name() string { return w.name }

func (w *WasmVerifier) Check(ctx context.Context, e eventstore.Event) Result {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	input, err := canonicalize.JCS(wasmInput{Action: e.Action, Agent: e.Agent, Payload: e.Payload, Sequence: e.Sequence})
	if err != nil {
		return Fail(w.severity, "encode input: %v", err)
	}

	mod, err := w.runtime.InstantiateModule(ctx, w.compiled,
		wazero.NewModuleConfig().WithName("").WithStartFunctions("_initialize"))
	if err != nil {
		return Fail(w.severity, "instantiate: %v", err)
	}
	defer func() { _ = mod.Close(context.Background()) }()

	ptr, err := place(ctx, mod, input)
	if err != nil {
		return Fail(w.severity, "%v", err)
	}
	res, err := mod.ExportedFunction("check").Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		if ctx.Err() != nil {
			return Fail(w.severity, "policy timed out after %v", w.timeout)
		}
		return Fail(w.severity, "check trapped: %v", err)
	}
	if len(res) == 0 || uint32(res[0]) == 0 {
		return Fail(w.severity, "module %s rejected the event", w.name)
	}
	return Pass("")
}

func place(ctx context.Context, mod api.Module, input []byte) (uint32, error) {
	mem := mod.Memory()
	if mem == nil {
		return 0, fmt.Errorf("module exports no memory")
	}
	var ptr uint32
	if alloc := mod.ExportedFunction("alloc"); alloc != nil {
		out, err := alloc.Call(ctx, uint64(len(input)))
		if err != nil || len(out) == 0 {
			return 0, fmt.Errorf("alloc failed: %v", err)
		}
		ptr = uint32(out[0])
	}
	if !mem.Write(ptr, input) {
		return 0, fmt.Errorf("input of %d bytes does not fit module memory", len(input))
	}
	return ptr, nil
}

// Close releases the wazero runtime.
func (w *WasmVerifier) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}
