package sandbox

import (
	"fmt"
	"io"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// AccessMode controls how a preopened directory is mounted.
type AccessMode string

const (
	ReadOnly  AccessMode = "ro"
	ReadWrite AccessMode = "rw"
)

// Preopen grants the guest access to a host directory.
type Preopen struct {
	HostPath  string
	GuestPath string
	Mode      AccessMode
}

func (p Preopen) String() string {
	return fmt.Sprintf("%s:%s:%s", p.HostPath, p.GuestPath, p.Mode)
}

// HostImport names a non-WASI function import.
type HostImport struct {
	Module string
	Name   string
}

// Config describes the sandbox a single run executes in.
type Config struct {
	Stdout io.Writer // used with InheritStdio; defaults to os.Stdout
	Stderr io.Writer // used with InheritStdio; defaults to os.Stderr
	Logger *zap.Logger

	Epoch time.Time // wall clock start; zero means the Unix epoch
	Env   map[string]string

	Preopens []Preopen
	Args     []string

	// TrappingImports are bound to stubs that trap when called, so modules
	// that merely reference them can still be initialized.
	TrappingImports []HostImport

	// CoreFeatures selects the proposals the engine accepts; zero means
	// api.CoreFeaturesV2.
	CoreFeatures api.CoreFeatures

	MaxMemoryPages uint64 // zero means the 65536-page format limit
	Seed           uint64

	AllowWASI    bool
	InheritStdio bool
	InheritEnv   bool
}

func (c *Config) features() api.CoreFeatures {
	if c.CoreFeatures == 0 {
		return api.CoreFeaturesV2
	}
	return c.CoreFeatures
}
