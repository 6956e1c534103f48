// Copyright (c) 2016 Intel Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package qemu

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	defaultBinary = "qemu-system-x86_64"

	socketPollAttempts = 20
	socketPollInterval = 500 * time.Millisecond
	socketReadyPad     = 200 * time.Millisecond

	// enableLogFilesEnv, when set to one of true/yes/1 (case-insensitive),
	// directs the output-sink policy at a log file under the host temp
	// directory rather than the null device.
	enableLogFilesEnv = "ENABLE_QEMU_PROCESS_LOG_FILES"
)

// Disk is one block device to attach at launch.
type Disk struct {
	Path      string
	Format    string
	Interface string
	ReadOnly  bool
	ID        string
}

func (d Disk) withDefaults(index int) Disk {
	if d.Format == "" {
		d.Format = "qcow2"
	}
	if d.Interface == "" {
		d.Interface = "virtio"
	}
	if d.ID == "" {
		d.ID = fmt.Sprintf("drive%d", index)
	}
	return d
}

// NIC is one network device to attach at launch.
type NIC struct {
	Backend string
	Model   string
	MAC     string
	ID      string
	Options map[string]string
}

func (n NIC) withDefaults(index int) NIC {
	if n.ID == "" {
		n.ID = fmt.Sprintf("net%d", index)
	}
	return n
}

// Configuration is the immutable description of a VM to launch.
type Configuration struct {
	MachineType       string
	CPUType           string
	CPUCount          uint32
	MemoryMiB         uint32
	EnableKVM         bool
	Disks             []Disk
	NICs              []NIC
	KernelPath        string
	InitrdPath        string
	KernelCommandLine string
	NoGraphic         bool
	StartPaused       bool
	ExtraArgs         []string

	// SocketPath overrides the synthesized control-socket path. Leave
	// empty to have ProcessSupervisor.start generate a unique one under
	// the host temporary directory.
	SocketPath string

	// BinaryPath overrides the hypervisor executable. Leave empty for
	// the supervisor's default ("qemu-system-x86_64").
	BinaryPath string
}

// Validate rejects a Configuration that cannot be turned into a usable
// argument vector.
func (c Configuration) Validate() error {
	if c.CPUCount < 1 {
		return newError(KindInvalidConfiguration, fmt.Errorf("cpu count must be >= 1"))
	}
	if c.MemoryMiB < 1 {
		return newError(KindInvalidConfiguration, fmt.Errorf("memory must be >= 1 MiB"))
	}
	for i, d := range c.Disks {
		if d.Path == "" {
			return newError(KindInvalidConfiguration, fmt.Errorf("disk %d: path is required", i))
		}
	}
	return nil
}

// ProcessSupervisor owns the hypervisor child process: it renders the
// argument vector, launches the child, waits for the control socket to
// become ready, and tears the child down by sending it SIGTERM.
type ProcessSupervisor struct {
	logger Logger

	mu         sync.Mutex
	cmd        *exec.Cmd
	socketPath string
	sink       *os.File
	exitCh     chan struct{}
	waitErr    error
}

// NewProcessSupervisor constructs an idle ProcessSupervisor. logger may be
// nil, in which case logging is a no-op.
func NewProcessSupervisor(logger Logger) *ProcessSupervisor {
	if logger == nil {
		logger = nullLogger{}
	}
	return &ProcessSupervisor{logger: logger}
}

// IsRunning reports whether the supervisor currently owns a live child.
func (p *ProcessSupervisor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isRunningLocked()
}

func (p *ProcessSupervisor) isRunningLocked() bool {
	if p.cmd == nil {
		return false
	}
	select {
	case <-p.exitCh:
		return false
	default:
		return true
	}
}

// GetControlSocketPath returns the control-socket path chosen by the most
// recent start that spawned a child (whether or not the socket then became
// ready), or empty if no start has spawned one.
func (p *ProcessSupervisor) GetControlSocketPath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.socketPath
}

// start renders the argument vector from config, spawns the hypervisor,
// and blocks until the control socket is ready or the readiness budget is
// exhausted.
func (p *ProcessSupervisor) start(ctx context.Context, config Configuration) error {
	p.mu.Lock()
	if p.isRunningLocked() {
		p.mu.Unlock()
		return ErrProcessAlreadyRunning
	}

	socketPath := config.SocketPath
	if socketPath == "" {
		socketPath = filepath.Join(os.TempDir(), fmt.Sprintf("qemu-mp-%s.sock", uuid.NewString()))
	}
	_ = os.Remove(socketPath) // stale socket from a prior run; not-found is fine

	args := buildArguments(config, socketPath)

	sink, err := p.openOutputSink()
	if err != nil {
		p.mu.Unlock()
		return err
	}

	binary := config.BinaryPath
	if binary == "" {
		binary = defaultBinary
	}

	cmd := exec.Command(binary, args...)
	cmd.Stdout = sink
	cmd.Stderr = sink

	p.logger.Infof("qemu: launching %s %v", binary, args)

	if err := cmd.Start(); err != nil {
		_ = sink.Close()
		p.mu.Unlock()
		return newError(KindSocketCreationFailed, fmt.Errorf("spawn %s: %w", binary, err))
	}

	exitCh := make(chan struct{})
	p.cmd = cmd
	p.socketPath = socketPath
	p.sink = sink
	p.exitCh = exitCh
	p.mu.Unlock()

	go func() {
		waitErr := cmd.Wait()
		p.mu.Lock()
		p.waitErr = waitErr
		p.mu.Unlock()
		close(exitCh)
		_ = sink.Close()
	}()

	if err := p.awaitSocketReady(ctx, socketPath, exitCh); err != nil {
		_ = p.stop()
		return err
	}
	return nil
}

// awaitSocketReady polls for the control socket's appearance, then pads
// with a short sleep to cover the race between file creation and the
// hypervisor's listen() call completing.
func (p *ProcessSupervisor) awaitSocketReady(ctx context.Context, socketPath string, exitCh <-chan struct{}) error {
	return p.awaitSocketReadySchedule(ctx, socketPath, exitCh, socketPollAttempts, socketPollInterval, socketReadyPad)
}

func (p *ProcessSupervisor) awaitSocketReadySchedule(ctx context.Context, socketPath string, exitCh <-chan struct{}, attempts int, interval, pad time.Duration) error {
	for attempt := 0; attempt < attempts; attempt++ {
		if _, err := os.Stat(socketPath); err == nil {
			time.Sleep(pad)
			return nil
		}

		select {
		case <-time.After(interval):
		case <-exitCh:
			return newError(KindSocketCreationFailed, fmt.Errorf("hypervisor exited before control socket appeared"))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ErrSocketCreationFailed
}

// openOutputSink implements the output-sink policy: a log file when
// ENABLE_QEMU_PROCESS_LOG_FILES is truthy, the null device otherwise.
// Never an unread pipe.
func (p *ProcessSupervisor) openOutputSink() (*os.File, error) {
	if useLogFiles() {
		path := filepath.Join(os.TempDir(), fmt.Sprintf("qemu-%s.log", uuid.NewString()))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, newError(KindInvalidConfiguration, fmt.Errorf("create output log %s: %w", path, err))
		}
		p.logger.Infof("qemu: child output logged to %s", path)
		return f, nil
	}

	f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		return nil, newError(KindInvalidConfiguration, fmt.Errorf("open null device: %w", err))
	}
	return f, nil
}

func useLogFiles() bool {
	switch strings.ToLower(os.Getenv(enableLogFilesEnv)) {
	case "true", "yes", "1":
		return true
	default:
		return false
	}
}

// stop terminates the child if one is live and removes the control socket
// file. Idempotent: a no-op when nothing is running.
func (p *ProcessSupervisor) stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopLocked()
}

func (p *ProcessSupervisor) stopLocked() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	if p.isRunningLocked() {
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			p.logger.Warningf("qemu: signal hypervisor: %v", err)
		}
	}
	if p.socketPath != "" {
		_ = os.Remove(p.socketPath)
	}
	return nil
}

// waitUntilExit blocks until the owned child has exited, or ctx is done,
// and returns the child's wait error (nil on a clean exit).
func (p *ProcessSupervisor) waitUntilExit(ctx context.Context) error {
	p.mu.Lock()
	if p.cmd == nil {
		p.mu.Unlock()
		return ErrProcessNotRunning
	}
	exitCh := p.exitCh
	p.mu.Unlock()

	select {
	case <-exitCh:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// buildArguments renders the hypervisor argument vector from config. Order
// is significant.
func buildArguments(config Configuration, socketPath string) []string {
	var args []string

	args = append(args, "-machine", config.MachineType)
	if config.EnableKVM {
		args = append(args, "-enable-kvm")
	}
	args = append(args, "-cpu", config.CPUType)
	args = append(args, "-smp", fmt.Sprintf("%d", config.CPUCount))
	args = append(args, "-m", fmt.Sprintf("%d", config.MemoryMiB))

	for i, d := range config.Disks {
		d = d.withDefaults(i)
		opt := fmt.Sprintf("file=%s,format=%s,if=%s,id=%s", d.Path, d.Format, d.Interface, d.ID)
		if d.ReadOnly {
			opt += ",readonly=on"
		}
		args = append(args, "-drive", opt)
	}

	for i, n := range config.NICs {
		n = n.withDefaults(i)
		netdevOpt := fmt.Sprintf("%s,id=%s", n.Backend, n.ID)
		for k, v := range n.Options {
			netdevOpt += fmt.Sprintf(",%s=%s", k, v)
		}
		args = append(args, "-netdev", netdevOpt)

		deviceOpt := fmt.Sprintf("%s,netdev=%s", n.Model, n.ID)
		if n.MAC != "" {
			deviceOpt += fmt.Sprintf(",mac=%s", n.MAC)
		}
		args = append(args, "-device", deviceOpt)
	}

	if config.KernelPath != "" {
		args = append(args, "-kernel", config.KernelPath)
	}
	if config.InitrdPath != "" {
		args = append(args, "-initrd", config.InitrdPath)
	}
	if config.KernelCommandLine != "" {
		args = append(args, "-append", config.KernelCommandLine)
	}

	if config.NoGraphic {
		args = append(args, "-nographic")
	}

	args = append(args, "-qmp", fmt.Sprintf("unix:%s,server,wait=off", socketPath))

	if config.StartPaused {
		args = append(args, "-S")
	}

	args = append(args, config.ExtraArgs...)

	return args
}
