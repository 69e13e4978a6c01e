package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Adjuster post-processes the raw risk sum before it is squashed.
type Adjuster interface {
	Adjust(ctx context.Context, raw float64) (float64, error)
}

// adjustExport is the function a WebAssembly adjuster must export.
const adjustExport = "adjust"

// WASMAdjuster runs an experimental scoring module in wazero. The module
// gets no imports: no WASI, filesystem, clock, or network.
type WASMAdjuster struct {
	mu      sync.Mutex
	runtime wazero.Runtime
	module  api.Module
	fn      api.Function
}

// NewWASMAdjuster compiles and instantiates wasm. memoryPages caps linear
// memory in 64KiB pages; zero means 16 pages.
func NewWASMAdjuster(ctx context.Context, wasm []byte, memoryPages uint32) (*WASMAdjuster, error) {
	if memoryPages == 0 {
		memoryPages = 16
	}
	cfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memoryPages).
		WithCloseOnContextDone(true)
	r := wazero.NewRuntimeWithConfig(ctx, cfg)

	mod, err := r.InstantiateWithConfig(ctx, wasm, wazero.NewModuleConfig().WithName("risk-adjuster"))
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("risk: instantiate adjuster: %w", err)
	}
	fn := mod.ExportedFunction(adjustExport)
	if fn == nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("risk: adjuster does not export %q", adjustExport)
	}
	def := fn.Definition()
	if !sameTypes(def.ParamTypes(), api.ValueTypeF64) || !sameTypes(def.ResultTypes(), api.ValueTypeF64) {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("risk: %q must have signature (f64) -> f64", adjustExport)
	}
	return &WASMAdjuster{runtime: r, module: mod, fn: fn}, nil
}

// LoadAdjuster loads the model's adjuster, resolving a relative path
// against dir. It returns nil when the model names none.
func (m *Model) LoadAdjuster(ctx context.Context, dir string) (*WASMAdjuster, error) {
	if m.Adjuster == "" {
		return nil, nil
	}
	path := m.Adjuster
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("risk: read adjuster: %w", err)
	}
	return NewWASMAdjuster(ctx, wasm, 0)
}

// Adjust calls the module. Calls are serialized because a module instance
// is not safe for concurrent use.
func (a *WASMAdjuster) Adjust(ctx context.Context, raw float64) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res, err := a.fn.Call(ctx, api.EncodeF64(raw))
	if err != nil {
		return 0, fmt.Errorf("risk: adjuster call: %w", err)
	}
	out := api.DecodeF64(res[0])
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return 0, errors.New("risk: adjuster returned a non-finite value")
	}
	return out, nil
}

// Close releases the runtime.
func (a *WASMAdjuster) Close(ctx context.Context) error {
	return a.runtime.Close(ctx)
}

func sameTypes(got []api.ValueType, want ...api.ValueType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
