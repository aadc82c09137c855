package sandbox

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wippyai/wasm-preinit/errors"
	"github.com/wippyai/wasm-preinit/instrument"
	"github.com/wippyai/wasm-preinit/internal/wasmtest"
	"github.com/wippyai/wasm-preinit/wasm"
)

var (
	i32 = wasm.ValI32
	i64 = wasm.ValI64
)

const wasi = "wasi_snapshot_preview1"

func parse(t *testing.T, bin []byte) *wasm.Module {
	t.Helper()
	m, err := wasm.ParseModuleValidate(bin)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return m
}

func start(t *testing.T, bin []byte, cfg Config, opts instrument.Options) (*Host, *Instance) {
	t.Helper()
	ctx := context.Background()
	m := parse(t, bin)
	h, err := New(ctx, m, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { h.Close(ctx) })

	res, err := instrument.Instrument(m, opts)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	inst, err := h.Instantiate(ctx, res)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	return h, inst
}

func TestNew_ImportCapabilities(t *testing.T) {
	tests := []struct {
		name    string
		module  string
		field   string
		params  []wasm.ValType
		results []wasm.ValType
		cfg     Config
		wantErr bool
	}{
		{
			name: "path_open without preopen", module: wasi, field: "path_open",
			params:  []wasm.ValType{i32, i32, i32, i32, i32, i64, i64, i32, i32},
			results: []wasm.ValType{i32},
			cfg:     Config{AllowWASI: true}, wantErr: true,
		},
		{
			name: "path_open with preopen", module: wasi, field: "path_open",
			params:  []wasm.ValType{i32, i32, i32, i32, i32, i64, i64, i32, i32},
			results: []wasm.ValType{i32},
			cfg:     Config{AllowWASI: true, Preopens: []Preopen{{HostPath: ".", GuestPath: "/", Mode: ReadOnly}}},
		},
		{
			name: "fd_write with WASI disabled", module: wasi, field: "fd_write",
			params: []wasm.ValType{i32, i32, i32, i32}, results: []wasm.ValType{i32},
			wantErr: true,
		},
		{
			name: "fd_write with WASI enabled", module: wasi, field: "fd_write",
			params: []wasm.ValType{i32, i32, i32, i32}, results: []wasm.ValType{i32},
			cfg: Config{AllowWASI: true},
		},
		{
			name: "sockets are never granted", module: wasi, field: "sock_accept",
			params: []wasm.ValType{i32, i32, i32}, results: []wasm.ValType{i32},
			cfg: Config{AllowWASI: true, Preopens: []Preopen{{HostPath: ".", GuestPath: "/"}}}, wantErr: true,
		},
		{
			name: "unknown WASI function", module: wasi, field: "does_not_exist",
			cfg: Config{AllowWASI: true}, wantErr: true,
		},
		{
			name: "WASI signature mismatch", module: wasi, field: "random_get",
			params: []wasm.ValType{i32}, results: []wasm.ValType{i32},
			cfg: Config{AllowWASI: true}, wantErr: true,
		},
		{
			name: "unbound host import", module: "env", field: "log",
			params: []wasm.ValType{i32}, wantErr: true,
		},
		{
			name: "trapping host import", module: "env", field: "log",
			params: []wasm.ValType{i32},
			cfg:    Config{TrappingImports: []HostImport{{Module: "env", Name: "log"}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := wasmtest.New()
			b.ImportFunc(tt.module, tt.field, tt.params, tt.results)
			b.Memory(1, nil)
			m := parse(t, b.Build())

			ctx := context.Background()
			h, err := New(ctx, m, tt.cfg)
			if tt.wantErr {
				if errors.KindOf(err) != errors.KindUnsatisfiedImport {
					t.Fatalf("err = %v, want unsatisfied import", err)
				}
				var e *errors.Error
				if errors.As(err, &e) && (e.Module != tt.module || e.Name != tt.field) {
					t.Errorf("import = %s#%s, want %s#%s", e.Module, e.Name, tt.module, tt.field)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			h.Close(ctx)
		})
	}
}

func TestNew_RejectsNonFunctionImports(t *testing.T) {
	b := wasmtest.New()
	b.ImportMemory("env", "memory", 1)
	m := parse(t, b.Build())

	_, err := New(context.Background(), m, Config{AllowWASI: true})
	if errors.KindOf(err) != errors.KindUnsatisfiedImport {
		t.Fatalf("err = %v, want unsatisfied import", err)
	}
}

func TestNew_InitialMemoryAboveCeiling(t *testing.T) {
	b := wasmtest.New()
	b.Memory(4, nil)
	m := parse(t, b.Build())

	_, err := New(context.Background(), m, Config{MaxMemoryPages: 2})
	var e *errors.Error
	if !errors.As(err, &e) || e.Kind != errors.KindResourceExceeded || e.Ceiling != errors.CeilingMemoryPages || e.Limit != 2 {
		t.Fatalf("err = %v, want memory_pages ceiling", err)
	}
}

func TestTrappingImportTraps(t *testing.T) {
	b := wasmtest.New()
	logFn := b.ImportFunc("env", "log", []wasm.ValType{i32}, nil)
	f := b.Func(nil, nil, nil, wasmtest.I32Const(1), wasmtest.Call(logFn))
	b.ExportFunc("init", f)

	_, inst := start(t, b.Build(), Config{TrappingImports: []HostImport{{Module: "env", Name: "log"}}}, instrument.Options{})
	if err := inst.Call(context.Background(), "init"); err == nil {
		t.Fatal("expected trap from stub")
	}
}

func TestInstance_Reads(t *testing.T) {
	b := wasmtest.New()
	b.Memory(2, nil)
	b.ActiveData(16, []byte("hi"))
	imm := b.Global(false, wasm.I64(-7))
	mut := b.Global(true, wasm.I32(-1))
	b.Table(3)
	f := b.Func(nil, nil, nil)
	b.ActiveElem(1, f)

	_, inst := start(t, b.Build(), Config{}, instrument.Options{})

	if got := inst.Memories(); len(got) != 1 || got[0] != 0 {
		t.Errorf("Memories = %v", got)
	}
	pages, err := inst.MemoryPages(0)
	if err != nil || pages != 2 {
		t.Errorf("MemoryPages = %d, %v", pages, err)
	}
	mem, err := inst.ReadMemory(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(mem) != 2*wasm.PageSize || string(mem[16:18]) != "hi" {
		t.Errorf("memory len %d, data %q", len(mem), mem[16:18])
	}
	mem[16] = 'X'
	again, _ := inst.ReadMemory(0)
	if again[16] != 'h' {
		t.Error("ReadMemory returned a view instead of a copy")
	}

	v, err := inst.ReadGlobal(mut)
	if err != nil || !v.Equal(wasm.I32(-1)) {
		t.Errorf("mutable global = %v, %v", v, err)
	}
	v, err = inst.ReadGlobal(imm)
	if err != nil || !v.Equal(wasm.I64(-7)) {
		t.Errorf("immutable global = %v, %v", v, err)
	}

	entries, err := inst.ReadTable(0)
	if err != nil {
		t.Fatal(err)
	}
	want := []wasm.Value{wasm.NullRef(wasm.ValFuncRef), wasm.FuncRef(f), wasm.NullRef(wasm.ValFuncRef)}
	if len(entries) != len(want) {
		t.Fatalf("table len = %d", len(entries))
	}
	for i := range want {
		if !entries[i].Equal(want[i]) {
			t.Errorf("table[%d] = %v, want %v", i, entries[i], want[i])
		}
	}
}

// createOnPreopen builds a module whose "init" calls path_open with O_CREAT
// for "x" in the first preopen (fd 3) and stores the errno at address 0.
func createOnPreopen() []byte {
	b := wasmtest.New()
	pathOpen := b.ImportFunc(wasi, "path_open",
		[]wasm.ValType{i32, i32, i32, i32, i32, i64, i64, i32, i32}, []wasm.ValType{i32})
	b.Memory(1, nil)
	b.ActiveData(100, []byte("x"))
	initFn := b.Func(nil, nil, nil,
		wasmtest.I32Const(0),
		wasmtest.I32Const(3),   // fd
		wasmtest.I32Const(0),   // dirflags
		wasmtest.I32Const(100), // path
		wasmtest.I32Const(1),   // path_len
		wasmtest.I32Const(1),   // oflags: O_CREAT
		wasmtest.I64Const(-1),  // rights base
		wasmtest.I64Const(-1),  // rights inheriting
		wasmtest.I32Const(0),   // fdflags
		wasmtest.I32Const(200), // opened fd
		wasmtest.Call(pathOpen),
		wasmtest.I32Store(0),
	)
	b.ExportFunc("init", initFn)
	return b.Build()
}

func TestPreopenAccessModes(t *testing.T) {
	tests := []struct {
		mode      AccessMode
		wantErrno bool
	}{
		{ReadOnly, true},
		{ReadWrite, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			dir := t.TempDir()
			cfg := Config{
				AllowWASI: true,
				Preopens:  []Preopen{{HostPath: dir, GuestPath: "/", Mode: tt.mode}},
			}
			_, inst := start(t, createOnPreopen(), cfg, instrument.Options{})

			if err := inst.Call(context.Background(), "init"); err != nil {
				t.Fatalf("init: %v", err)
			}
			mem, err := inst.ReadMemory(0)
			if err != nil {
				t.Fatal(err)
			}
			errno := binary.LittleEndian.Uint32(mem[0:4])
			_, statErr := os.Stat(filepath.Join(dir, "x"))
			created := statErr == nil

			if tt.wantErrno {
				if errno == 0 || created {
					t.Errorf("errno = %d, created = %v; want failure and no file", errno, created)
				}
				return
			}
			if errno != 0 || !created {
				t.Errorf("errno = %d, created = %v; want success and a file", errno, created)
			}
		})
	}
}

func TestInstance_Close(t *testing.T) {
	b := wasmtest.New()
	b.ExportFunc("init", b.Func(nil, nil, nil))
	_, inst := start(t, b.Build(), Config{}, instrument.Options{})
	ctx := context.Background()

	if err := inst.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := inst.Call(ctx, "init"); err == nil {
		t.Error("call on closed instance succeeded")
	}
}

func TestInstance_RunStartTrap(t *testing.T) {
	b := wasmtest.New()
	s := b.Func(nil, nil, nil, wasmtest.Unreachable)
	b.Start(s)

	_, inst := start(t, b.Build(), Config{}, instrument.Options{})
	err := inst.RunStart(context.Background())
	if errors.KindOf(err) != errors.KindInstantiationTrap {
		t.Fatalf("err = %v, want instantiation trap", err)
	}
	var e *errors.Error
	if errors.As(err, &e) && e.Reason != "unreachable" {
		t.Errorf("reason = %q", e.Reason)
	}
}

func TestInstance_RunStartFuel(t *testing.T) {
	b := wasmtest.New()
	s := b.Func(nil, nil, nil, wasmtest.Loop, wasmtest.Br(0), wasmtest.End)
	b.Start(s)

	_, inst := start(t, b.Build(), Config{}, instrument.Options{MaxInstructions: 500})
	err := inst.RunStart(context.Background())
	var e *errors.Error
	if !errors.As(err, &e) || e.Kind != errors.KindResourceExceeded || e.Ceiling != errors.CeilingInstructions || e.Limit != 500 {
		t.Fatalf("err = %v, want instructions ceiling", err)
	}
}

func clockModule() []byte {
	b := wasmtest.New()
	b.ImportFunc(wasi, "clock_time_get", []wasm.ValType{i32, i64, i32}, []wasm.ValType{i32})
	b.ImportFunc(wasi, "random_get", []wasm.ValType{i32, i32}, []wasm.ValType{i32})
	b.Memory(1, nil)
	f := b.Func(nil, nil, nil,
		wasmtest.I32Const(0), wasmtest.I64Const(1), wasmtest.I32Const(0), wasmtest.Call(0), wasmtest.Drop,
		wasmtest.I32Const(16), wasmtest.I32Const(16), wasmtest.Call(1), wasmtest.Drop,
	)
	b.ExportFunc("init", f)
	return b.Build()
}

func runClock(t *testing.T, cfg Config) (uint64, []byte) {
	t.Helper()
	cfg.AllowWASI = true
	_, inst := start(t, clockModule(), cfg, instrument.Options{})
	if err := inst.Call(context.Background(), "init"); err != nil {
		t.Fatalf("init: %v", err)
	}
	mem, err := inst.ReadMemory(0)
	if err != nil {
		t.Fatal(err)
	}
	return binary.LittleEndian.Uint64(mem[0:8]), mem[16:32]
}

func TestDeterministicClockAndRandom(t *testing.T) {
	epoch := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	ts1, rnd1 := runClock(t, Config{Epoch: epoch, Seed: 42})
	ts2, rnd2 := runClock(t, Config{Epoch: epoch, Seed: 42})
	_, rnd3 := runClock(t, Config{Epoch: epoch, Seed: 43})

	base := uint64(epoch.UnixNano())
	if ts1 <= base || ts1 > base+uint64(time.Millisecond) {
		t.Errorf("clock = %d, want just after %d", ts1, base)
	}
	if ts1 != ts2 {
		t.Errorf("clock differs across runs: %d vs %d", ts1, ts2)
	}
	if !bytes.Equal(rnd1, rnd2) {
		t.Error("random bytes differ for the same seed")
	}
	if bytes.Equal(rnd1, rnd3) {
		t.Error("random bytes equal for different seeds")
	}
	if bytes.Equal(rnd1, make([]byte, 16)) {
		t.Error("random bytes not written")
	}
}

func TestTrapReason(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"wasm error: unreachable\nwasm stack trace:\n\t.$0()", "unreachable"},
		{"wasm error: integer divide by zero", "integer divide by zero"},
		{"something else", "something else"},
	}
	for _, tt := range tests {
		if got := TrapReason(plainError(tt.msg)); got != tt.want {
			t.Errorf("TrapReason(%q) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

type plainError string

func (e plainError) Error() string { return string(e) }

func TestCapabilityOf(t *testing.T) {
	tests := map[string]Capability{
		"fd_write":      CapStdio,
		"path_open":     CapFilesystem,
		"fd_readdir":    CapFilesystem,
		"proc_exit":     CapProcess,
		"random_get":    CapRandom,
		"poll_oneoff":   CapPoll,
		"sock_shutdown": CapSockets,
	}
	for name, want := range tests {
		if got, ok := CapabilityOf(name); !ok || got != want {
			t.Errorf("CapabilityOf(%s) = %s, %v", name, got, ok)
		}
	}
	if _, ok := CapabilityOf("thread_spawn"); ok {
		t.Error("unexpected capability for thread_spawn")
	}
}
