package firecracker

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"
)

// Environment variable names for Firecracker configuration.
const (
	envKernelPath     = "HEARTH_FC_KERNEL_PATH"
	envRootfsDir      = "HEARTH_FC_ROOTFS_DIR"
	envBin            = "HEARTH_FC_BIN"
	envCNIBinDir      = "HEARTH_FC_CNI_BIN_DIR"
	envVsockPort      = "HEARTH_FC_VSOCK_PORT"
	envVCPUs          = "HEARTH_FC_VCPUS"
	envMemMB          = "HEARTH_FC_MEM_MB"
	envMaxVMs         = "HEARTH_FC_MAX_VMS"
	envSampleInterval = "HEARTH_FC_SAMPLE_INTERVAL"
)

// Defaults.
const (
	// DefaultVsockPort is the port the guest agent listens on inside the microVM.
	DefaultVsockPort uint32 = 1024

	// MinCID is the minimum context ID for vsock; CIDs 0-2 are reserved.
	MinCID uint32 = 3

	DefaultVCPUs          = 1
	DefaultMemMB          = 256
	DefaultMaxVMs         = 10
	DefaultSampleInterval = 50 * time.Millisecond

	// GuestAgentPath is where rootfs images carry the guest agent binary.
	GuestAgentPath = "/usr/local/bin/hearth-guest"
)

// SupportedRuntimes lists the guest languages pre-built rootfs images carry.
var SupportedRuntimes = []string{"go", "node", "python"}

// Config holds configuration for the Firecracker engine.
type Config struct {
	KernelPath     string
	RootfsDir      string
	FirecrackerBin string
	CNIBinDir      string

	VsockPort uint32
	CIDBase   uint32

	DefaultVCPUs int
	DefaultMemMB int
	MaxVMs       int

	// SampleInterval between VMM CPU samples.
	SampleInterval time.Duration
}

// Enabled reports whether a kernel image is configured.
func (c Config) Enabled() bool {
	return c.KernelPath != ""
}

// LoadConfig reads HEARTH_FC_* environment variables over the defaults.
func LoadConfig() Config {
	cfg := Config{
		FirecrackerBin: "firecracker",
		CNIBinDir:      "/opt/cni/bin",
		VsockPort:      DefaultVsockPort,
		CIDBase:        MinCID,
		DefaultVCPUs:   DefaultVCPUs,
		DefaultMemMB:   DefaultMemMB,
		MaxVMs:         DefaultMaxVMs,
		SampleInterval: DefaultSampleInterval,
	}

	if v := os.Getenv(envKernelPath); v != "" {
		cfg.KernelPath = v
	}
	if v := os.Getenv(envRootfsDir); v != "" {
		cfg.RootfsDir = v
	}
	if v := os.Getenv(envBin); v != "" {
		cfg.FirecrackerBin = v
	}
	if v := os.Getenv(envCNIBinDir); v != "" {
		cfg.CNIBinDir = v
	}
	if v := os.Getenv(envVsockPort); v != "" {
		if port, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.VsockPort = uint32(port)
		}
	}
	cfg.DefaultVCPUs = positiveInt(envVCPUs, cfg.DefaultVCPUs)
	cfg.DefaultMemMB = positiveInt(envMemMB, cfg.DefaultMemMB)
	cfg.MaxVMs = positiveInt(envMaxVMs, cfg.MaxVMs)
	if v := os.Getenv(envSampleInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SampleInterval = d
		}
	}

	return cfg
}

func positiveInt(env string, def int) int {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// RootfsPath returns the rootfs image for a guest language, e.g. "<dir>/python.ext4".
func RootfsPath(rootfsDir, runtime string) (string, error) {
	if !slices.Contains(SupportedRuntimes, runtime) {
		return "", fmt.Errorf("unsupported runtime %q: must be one of %v", runtime, SupportedRuntimes)
	}
	return filepath.Join(rootfsDir, runtime+".ext4"), nil
}
