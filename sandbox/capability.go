package sandbox

import (
	"fmt"

	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/wippyai/wasm-preinit/errors"
	"github.com/wippyai/wasm-preinit/wasm"
)

// Capability is a class of WASI functions granted or denied together.
type Capability string

const (
	CapClock      Capability = "clock"
	CapRandom     Capability = "random"
	CapArgsEnv    Capability = "args_env"
	CapStdio      Capability = "stdio"
	CapFilesystem Capability = "filesystem"
	CapProcess    Capability = "process"
	CapPoll       Capability = "poll"
	CapSockets    Capability = "sockets"
)

var wasiCapabilities = map[string]Capability{
	"clock_res_get":  CapClock,
	"clock_time_get": CapClock,

	"random_get": CapRandom,

	"args_get":          CapArgsEnv,
	"args_sizes_get":    CapArgsEnv,
	"environ_get":       CapArgsEnv,
	"environ_sizes_get": CapArgsEnv,

	// fd_prestat_* enumerate preopens; libc calls them at startup whether or
	// not any directory is granted.
	"fd_advise":             CapStdio,
	"fd_allocate":           CapStdio,
	"fd_close":              CapStdio,
	"fd_datasync":           CapStdio,
	"fd_fdstat_get":         CapStdio,
	"fd_fdstat_set_flags":   CapStdio,
	"fd_fdstat_set_rights":  CapStdio,
	"fd_filestat_get":       CapStdio,
	"fd_filestat_set_size":  CapStdio,
	"fd_filestat_set_times": CapStdio,
	"fd_pread":              CapStdio,
	"fd_prestat_get":        CapStdio,
	"fd_prestat_dir_name":   CapStdio,
	"fd_pwrite":             CapStdio,
	"fd_read":               CapStdio,
	"fd_renumber":           CapStdio,
	"fd_seek":               CapStdio,
	"fd_sync":               CapStdio,
	"fd_tell":               CapStdio,
	"fd_write":              CapStdio,

	"fd_readdir":              CapFilesystem,
	"path_create_directory":   CapFilesystem,
	"path_filestat_get":       CapFilesystem,
	"path_filestat_set_times": CapFilesystem,
	"path_link":               CapFilesystem,
	"path_open":               CapFilesystem,
	"path_readlink":           CapFilesystem,
	"path_remove_directory":   CapFilesystem,
	"path_rename":             CapFilesystem,
	"path_symlink":            CapFilesystem,
	"path_unlink_file":        CapFilesystem,

	"proc_exit":   CapProcess,
	"proc_raise":  CapProcess,
	"sched_yield": CapProcess,

	"poll_oneoff": CapPoll,

	"sock_accept":   CapSockets,
	"sock_recv":     CapSockets,
	"sock_send":     CapSockets,
	"sock_shutdown": CapSockets,
}

// CapabilityOf returns the class of a wasi_snapshot_preview1 function.
func CapabilityOf(name string) (Capability, bool) {
	c, ok := wasiCapabilities[name]
	return c, ok
}

// granted reports whether the configuration grants capability c.
func (c *Config) granted(capability Capability) (bool, string) {
	if !c.AllowWASI {
		return false, "WASI is not allowed"
	}
	switch capability {
	case CapSockets:
		return false, "sockets are never granted"
	case CapFilesystem:
		if len(c.Preopens) == 0 {
			return false, "filesystem access requires a preopened directory"
		}
	}
	return true, ""
}

// checkImports verifies that every import of the image can be bound before
// anything is instantiated.
func checkImports(m *wasm.Module, cfg *Config) error {
	trapping := make(map[string]bool, len(cfg.TrappingImports))
	for _, ti := range cfg.TrappingImports {
		trapping[ti.Module+"#"+ti.Name] = true
	}

	for _, imp := range m.Imports {
		switch imp.Desc.Kind {
		case wasm.KindMemory, wasm.KindTable, wasm.KindGlobal:
			return errors.UnsatisfiedImport(imp.Module, imp.Name,
				fmt.Sprintf("%s imports cannot be provided by the sandbox", kindName(imp.Desc.Kind)))
		}

		if imp.Module == wasi_snapshot_preview1.ModuleName {
			capability, known := CapabilityOf(imp.Name)
			if !known {
				return errors.UnsatisfiedImport(imp.Module, imp.Name, "unknown WASI function")
			}
			if ok, why := cfg.granted(capability); !ok {
				return errors.UnsatisfiedImport(imp.Module, imp.Name,
					fmt.Sprintf("capability %s denied: %s", capability, why))
			}
			continue
		}

		if !trapping[imp.Module+"#"+imp.Name] {
			return errors.UnsatisfiedImport(imp.Module, imp.Name, "no host binding")
		}
		ft := m.Types[imp.Desc.TypeIdx]
		for _, vt := range append(append([]wasm.ValType{}, ft.Params...), ft.Results...) {
			if vt == wasm.ValV128 {
				return errors.UnsatisfiedImport(imp.Module, imp.Name, "v128 in host function signature")
			}
		}
	}
	return nil
}

func kindName(kind byte) string {
	switch kind {
	case wasm.KindFunc:
		return "function"
	case wasm.KindTable:
		return "table"
	case wasm.KindMemory:
		return "memory"
	case wasm.KindGlobal:
		return "global"
	}
	return "unknown"
}
