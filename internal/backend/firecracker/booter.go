// Package firecracker is the microVM execution engine. Each booted worker is
// one Firecracker VM with its own network namespace; routed connections are
// relayed over vsock to the guest agent baked into the runtime's rootfs.
package firecracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/hearth/internal/backend"
)

const (
	// EngineName is the registry prefix for Firecracker-backed runtimes.
	EngineName = "firecracker"

	bootArgs        = "console=ttyS0 reboot=k panic=1 pci=off init=" + GuestAgentPath
	vsockDeviceID   = "vsock0"
	rootfsDriveID   = "rootfs"
	shutdownTimeout = 3 * time.Second
	writeTimeout    = 5 * time.Second
)

type vmState struct {
	id        string
	machine   *fcsdk.Machine
	cid       uint32
	vsockPath string
	socketDir string
	started   bool
}

// Manager owns the resources shared by all Firecracker VMs on this host:
// CNI networking, vsock CIDs and the concurrent VM limit.
type Manager struct {
	cfg    Config
	net    *NetworkManager
	logger *slog.Logger
	slots  chan struct{}

	mu  sync.Mutex
	vms map[string]*vmState

	cidMu    sync.Mutex
	cidNext  uint32
	cidInUse map[uint32]bool
}

// NewManager creates a Manager.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	netMgr, err := NewNetworkManager(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create network manager: %w", err)
	}
	return &Manager{
		cfg:      cfg,
		net:      netMgr,
		logger:   logger,
		slots:    make(chan struct{}, max(cfg.MaxVMs, 1)),
		vms:      make(map[string]*vmState),
		cidNext:  max(cfg.CIDBase, MinCID),
		cidInUse: make(map[uint32]bool),
	}, nil
}

// Verify checks host prerequisites.
func (m *Manager) Verify() error {
	return m.net.Verify()
}

// Booter returns the engine for one guest language.
func (m *Manager) Booter(runtime string) backend.Booter {
	return &booter{m: m, runtime: runtime}
}

// Shutdown stops every VM still running and releases networking.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	vms := make([]*vmState, 0, len(m.vms))
	for _, vm := range m.vms {
		vms = append(vms, vm)
	}
	m.mu.Unlock()

	for _, vm := range vms {
		m.stop(vm)
	}
	m.net.TeardownAll(ctx)
}

type booter struct {
	m       *Manager
	runtime string
}

func (b *booter) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:              EngineName,
		Isolation:         "microvm",
		SupportedRuntimes: []string{b.runtime},
		MaxConcurrency:    b.m.cfg.MaxVMs,
	}
}

// Boot starts a VM and waits until its guest agent accepts connections.
func (b *booter) Boot(ctx context.Context, opts backend.BootOptions) (backend.Runtime, error) {
	m := b.m
	rootfs, err := RootfsPath(m.cfg.RootfsDir, b.runtime)
	if err != nil {
		return nil, err
	}

	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for VM slot: %w", ctx.Err())
	}

	vm, err := m.start(ctx, opts, rootfs)
	if err != nil {
		<-m.slots
		return nil, err
	}

	r := &Runtime{
		m:       m,
		vm:      vm,
		runtime: b.runtime,
		code:    opts.Code,
		entry:   opts.Entrypoint,
		env:     opts.Env,
		logger:  m.logger.With("vm", vm.id, "runtime", b.runtime),
	}
	r.Loop = backend.NewLoop(r, backend.LoopOptions{
		Call:           r.call,
		SampleInterval: m.cfg.SampleInterval,
		CPUSource:      r.vmmCPUTime,
		Logger:         r.logger,
	})
	return r, nil
}

func (m *Manager) start(ctx context.Context, opts backend.BootOptions, rootfs string) (vm *vmState, err error) {
	id := opts.Name
	if id == "" {
		id = uuid.NewString()
	}

	cid, err := m.allocateCID()
	if err != nil {
		return nil, err
	}
	vm = &vmState{id: id, cid: cid}
	defer func() {
		if err != nil {
			m.cleanup(vm)
		}
	}()

	netCfg, err := m.net.Setup(ctx, id)
	if err != nil {
		return vm, fmt.Errorf("network setup: %w", err)
	}

	if vm.socketDir, err = os.MkdirTemp("", "hearth-vm-"); err != nil {
		return vm, fmt.Errorf("create temp dir: %w", err)
	}
	vmRootfs := filepath.Join(vm.socketDir, "rootfs.ext4")
	if out, err := exec.Command("cp", "--reflink=auto", rootfs, vmRootfs).CombinedOutput(); err != nil {
		return vm, fmt.Errorf("copy rootfs: %s: %w", out, err)
	}

	memMB := m.cfg.DefaultMemMB
	if opts.MemLimitMB > 0 {
		memMB = opts.MemLimitMB
	}
	socketPath := filepath.Join(vm.socketDir, "fc.sock")
	vm.vsockPath = filepath.Join(vm.socketDir, "vsock.sock")

	fcCfg := fcsdk.Config{
		SocketPath:      socketPath,
		KernelImagePath: m.cfg.KernelPath,
		KernelArgs:      bootArgs,
		Drives: []models.Drive{{
			DriveID:      fcsdk.String(rootfsDriveID),
			PathOnHost:   fcsdk.String(vmRootfs),
			IsRootDevice: fcsdk.Bool(true),
			IsReadOnly:   fcsdk.Bool(false),
		}},
		NetworkInterfaces: fcsdk.NetworkInterfaces{{
			StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
				MacAddress:  netCfg.MACAddress,
				HostDevName: netCfg.TAPDevice,
			},
		}},
		VsockDevices: []fcsdk.VsockDevice{{ID: vsockDeviceID, Path: vm.vsockPath, CID: cid}},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(int64(m.cfg.DefaultVCPUs)),
			MemSizeMib: fcsdk.Int64(int64(memMB)),
			Smt:        fcsdk.Bool(false),
		},
		NetNS: netCfg.NamespacePath,
		VMID:  id,
	}

	// The SDK wants logrus; we log through slog.
	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	// The VMM outlives the boot request, so it must not inherit ctx.
	cmd := fcsdk.VMCommandBuilder{}.
		WithBin(m.cfg.FirecrackerBin).
		WithSocketPath(socketPath).
		Build(context.Background())

	vm.machine, err = fcsdk.NewMachine(ctx, fcCfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(cmd),
	)
	if err != nil {
		return vm, fmt.Errorf("create machine: %w", err)
	}

	bootStart := time.Now()
	if err := vm.machine.Start(context.Background()); err != nil {
		return vm, fmt.Errorf("start VM: %w", err)
	}
	vm.started = true
	activeVMs.Inc()

	gc, err := DialGuest(ctx, vm.vsockPath, m.cfg.VsockPort)
	if err != nil {
		return vm, fmt.Errorf("connect to guest: %w", err)
	}
	gc.Close()
	vmBootDuration.Observe(time.Since(bootStart).Seconds())

	m.mu.Lock()
	m.vms[id] = vm
	m.mu.Unlock()

	m.logger.Info("VM started", "vm", id, "cid", cid, "mem_mb", memMB)
	return vm, nil
}

// stop shuts the VM down and releases everything it held.
func (m *Manager) stop(vm *vmState) {
	m.mu.Lock()
	_, tracked := m.vms[vm.id]
	delete(m.vms, vm.id)
	m.mu.Unlock()
	if !tracked {
		return
	}
	m.cleanup(vm)
	<-m.slots
}

func (m *Manager) cleanup(vm *vmState) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if vm.machine != nil && vm.started {
		if err := vm.machine.Shutdown(ctx); err != nil {
			m.logger.Debug("graceful shutdown failed, forcing stop", "vm", vm.id, "error", err)
			if err := vm.machine.StopVMM(); err != nil {
				m.logger.Debug("StopVMM failed", "vm", vm.id, "error", err)
			}
		}
		if err := vm.machine.Wait(ctx); err != nil {
			m.logger.Debug("wait for VM exit", "vm", vm.id, "error", err)
		}
		activeVMs.Dec()
	}

	m.releaseCID(vm.cid)
	if err := m.net.Teardown(ctx, vm.id); err != nil {
		m.logger.Warn("network teardown failed", "vm", vm.id, "error", err)
	}
	if vm.socketDir != "" {
		os.RemoveAll(vm.socketDir)
	}
	vmCleanupDuration.Observe(time.Since(start).Seconds())
}

func (m *Manager) allocateCID() (uint32, error) {
	m.cidMu.Lock()
	defer m.cidMu.Unlock()

	for i := range uint32(m.cfg.MaxVMs + 10) {
		candidate := max(m.cidNext+i, MinCID)
		if !m.cidInUse[candidate] {
			m.cidInUse[candidate] = true
			m.cidNext = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no available CIDs (all %d slots in use)", len(m.cidInUse))
}

func (m *Manager) releaseCID(cid uint32) {
	m.cidMu.Lock()
	defer m.cidMu.Unlock()
	delete(m.cidInUse, cid)
}

// Runtime is one booted microVM.
type Runtime struct {
	*backend.Loop

	m       *Manager
	vm      *vmState
	runtime string
	code    string
	entry   string
	env     map[string]string
	logger  *slog.Logger
}

// Close stops the VM.
func (r *Runtime) Close(context.Context) error {
	r.m.stop(r.vm)
	return nil
}

func (r *Runtime) vmmCPUTime() (time.Duration, error) {
	pid, err := r.vm.machine.PID()
	if err != nil {
		cpuSampleFailures.Inc()
		return 0, fmt.Errorf("vmm pid: %w", err)
	}
	cpu, err := backend.ProcessCPUTime(int32(pid))
	if err != nil {
		cpuSampleFailures.Inc()
		return 0, err
	}
	return cpu, nil
}

func (r *Runtime) call(ctx context.Context, c backend.Conn) error {
	defer c.Stream.Close()
	stop := context.AfterFunc(ctx, func() { c.Stream.Close() })
	defer stop()

	var req backend.InvokeRequest
	if err := backend.ReadMessage(c.Stream, &req); err != nil {
		return fmt.Errorf("read invoke request: %w", err)
	}

	env := maps.Clone(r.env)
	if env == nil {
		env = make(map[string]string, len(req.Env))
	}
	maps.Copy(env, req.Env)

	start := time.Now()
	resp, err := r.relay(ctx, GuestRequest{
		Runtime:    r.runtime,
		Code:       r.code,
		Input:      req.Input,
		Env:        env,
		Entrypoint: r.entry,
	})
	if err != nil {
		if ctx.Err() != nil {
			relaysTotal.WithLabelValues(r.runtime, relayTerminated).Inc()
			return ctx.Err()
		}
		relaysTotal.WithLabelValues(r.runtime, relayUncaught).Inc()
		// The guest agent is gone; the VM can't serve anything else.
		return &backend.UncaughtError{Err: err}
	}
	relaysTotal.WithLabelValues(r.runtime, relayServed).Inc()

	c.Stream.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := backend.WriteMessage(c.Stream, &backend.InvokeResponse{
		ExitCode:   resp.ExitCode,
		Output:     []byte(resp.Output),
		Error:      resp.Error,
		DurationMS: time.Since(start).Milliseconds(),
	}); err != nil {
		return fmt.Errorf("write invoke response: %w", err)
	}
	return nil
}

func (r *Runtime) relay(ctx context.Context, req GuestRequest) (GuestResponse, error) {
	gc, err := DialGuest(ctx, r.vm.vsockPath, r.m.cfg.VsockPort)
	if err != nil {
		return GuestResponse{}, err
	}
	defer gc.Close()

	return gc.Exchange(ctx, req, func(line string) {
		r.logger.Debug("guest log", "line", line)
	})
}
