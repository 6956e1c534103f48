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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// VMStatus is the tagged VM lifecycle state.
type VMStatus int

const (
	StatusStopped VMStatus = iota
	StatusCreating
	StatusRunning
	StatusPaused
	StatusShuttingDown
	StatusUnknown
)

func (s VMStatus) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusCreating:
		return "creating"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusShuttingDown:
		return "shuttingDown"
	case StatusUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

const (
	defaultCreateTimeout   = 30 * time.Second
	defaultShutdownTimeout = 30 * time.Second
)

// VMManager is the public facade: it owns exactly one ProcessSupervisor and
// one MPClient, drives the VM state machine, and enforces a single-writer
// discipline over its own state by holding its lock for the full duration
// of every public method.
type VMManager struct {
	mu sync.Mutex

	supervisor *ProcessSupervisor
	client     *MPClient
	logger     Logger

	status      VMStatus
	isConnected bool
}

// NewVMManager constructs a VMManager in status=stopped, owning a fresh
// ProcessSupervisor and MPClient. logger and eventCh may be nil/unset;
// eventCh, when non-nil, receives observed MP events (see MPClientConfig).
func NewVMManager(logger Logger, eventCh chan<- MPEvent) *VMManager {
	if logger == nil {
		logger = nullLogger{}
	}
	return &VMManager{
		supervisor: NewProcessSupervisor(logger),
		client:     NewMPClient(MPClientConfig{Logger: logger, EventCh: eventCh}),
		logger:     logger,
		status:     StatusStopped,
	}
}

// Status returns the manager's current VMStatus.
func (m *VMManager) Status() VMStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsConnected reports whether the manager currently holds a live MP
// connection.
func (m *VMManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isConnected
}

// CreateVM launches the hypervisor per config and establishes the MP
// connection, racing the whole sequence against timeout (default 30s). On
// any failure the manager rolls back to status=stopped with no live child.
func (m *VMManager) CreateVM(ctx context.Context, config Configuration, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != StatusStopped {
		return newError(KindProcessAlreadyRunning, fmt.Errorf("createVM: manager is in state %s, not stopped", m.status))
	}
	if err := config.Validate(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = defaultCreateTimeout
	}

	m.status = StatusCreating

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(cctx)
	g.Go(func() error {
		if err := m.supervisor.start(gctx, config); err != nil {
			return err
		}
		return m.client.connectUnix(gctx, m.supervisor.GetControlSocketPath())
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrTimeout
		}
		m.isConnected = false
		m.status = StatusStopped
		if m.supervisor.IsRunning() {
			_ = m.supervisor.stop()
		}
		return err
	}

	m.isConnected = true
	m.refreshStatusLocked(ctx)
	return nil
}

// Start resumes a paused or freshly created VM (MP "cont").
func (m *VMManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isConnected {
		return ErrNotConnected
	}
	m.status = StatusRunning
	if err := m.client.Cont(ctx); err != nil {
		m.refreshStatusLocked(ctx)
		return err
	}
	return nil
}

// Pause suspends a running VM (MP "stop").
func (m *VMManager) Pause(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isConnected {
		return ErrNotConnected
	}
	m.status = StatusPaused
	if err := m.client.Stop(ctx); err != nil {
		m.refreshStatusLocked(ctx)
		return err
	}
	return nil
}

// Reset issues a hard reset (MP "system_reset") and refreshes status from
// the hypervisor afterward, regardless of the reset command's own outcome.
func (m *VMManager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isConnected {
		return ErrNotConnected
	}
	err := m.client.SystemReset(ctx)
	m.refreshStatusLocked(ctx)
	return err
}

// Shutdown requests a graceful guest shutdown (MP "system_powerdown") and
// races a 30s timer against the child actually exiting; if the child is
// still live when the race ends, Shutdown escalates to Destroy.
func (m *VMManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isConnected {
		return ErrNotConnected
	}

	m.status = StatusShuttingDown
	if err := m.client.SystemPowerdown(ctx); err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	_ = m.supervisor.waitUntilExit(wctx)

	if m.supervisor.IsRunning() {
		return m.destroyLocked(ctx)
	}

	m.status = StatusStopped
	m.isConnected = false
	return nil
}

// Destroy tears the VM down unconditionally: best-effort MP quit, MP
// disconnect, process stop. It succeeds even when called mid-failure from
// any other state, including from inside CreateVM's own cleanup path.
func (m *VMManager) Destroy(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyLocked(ctx)
}

func (m *VMManager) destroyLocked(ctx context.Context) error {
	if m.client.IsConnected() {
		if err := m.client.Quit(ctx); err != nil {
			m.logger.Warningf("qemu: best-effort quit during destroy: %v", err)
		}
	}
	_ = m.client.Disconnect()
	_ = m.supervisor.stop()
	m.isConnected = false
	m.status = StatusStopped
	return nil
}

// refreshStatusLocked queries the hypervisor's status and maps it onto
// VMStatus. Must be called with mu held. MP failure sets status=unknown,
// not stopped, because the process may still be live.
func (m *VMManager) refreshStatusLocked(ctx context.Context) {
	st, err := m.client.QueryStatus(ctx)
	if err != nil {
		m.logger.Warningf("qemu: status refresh failed: %v", err)
		m.status = StatusUnknown
		return
	}

	switch st.Status {
	case "running":
		if st.Running {
			m.status = StatusRunning
		} else {
			m.status = StatusPaused
		}
	case "paused", "suspended":
		m.status = StatusPaused
	case "shutdown", "poweroff":
		m.status = StatusStopped
	case "inmigrate", "prelaunch":
		m.status = StatusCreating
	default:
		m.logger.Warningf("qemu: unrecognized MP status %q", st.Status)
		m.status = StatusUnknown
	}
}

// AttachDisk hot-plugs a disk: blockdev-add then device_add. If device_add
// fails, the backend node created by blockdev-add is removed as a
// best-effort compensating action and the original error is surfaced.
func (m *VMManager) AttachDisk(ctx context.Context, path, deviceName string, readOnly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isConnected {
		return ErrNotConnected
	}

	nodeName := "drive-" + deviceName
	if err := m.client.BlockdevAdd(ctx, nodeName, path, readOnly); err != nil {
		return err
	}

	extra := map[string]interface{}{"drive": nodeName}
	if err := m.client.DeviceAdd(ctx, deviceName, "virtio-blk-pci", extra); err != nil {
		if delErr := m.client.BlockdevDel(ctx, nodeName); delErr != nil {
			m.logger.Warningf("qemu: compensating blockdev-del for %s failed: %v", nodeName, delErr)
		}
		return err
	}
	return nil
}

// DetachDisk hot-unplugs a disk: device_del then blockdev-del. Both steps
// are attempted even if the first fails, since detach is expected to be
// idempotent at the hypervisor level; any failures are aggregated.
func (m *VMManager) DetachDisk(ctx context.Context, deviceName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isConnected {
		return ErrNotConnected
	}

	nodeName := "drive-" + deviceName
	var result *multierror.Error
	if err := m.client.DeviceDel(ctx, deviceName); err != nil {
		result = multierror.Append(result, err)
	}
	if err := m.client.BlockdevDel(ctx, nodeName); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// ListDisks returns the raw query-block payload.
func (m *VMManager) ListDisks(ctx context.Context) ([]Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isConnected {
		return nil, ErrNotConnected
	}
	return m.client.QueryBlock(ctx)
}

// ListHotpluggableCPUs returns the hypervisor's hotpluggable CPU slots.
func (m *VMManager) ListHotpluggableCPUs(ctx context.Context) ([]HotpluggableCPU, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isConnected {
		return nil, ErrNotConnected
	}
	return m.client.QueryHotpluggableCPUs(ctx)
}

// AttachCPU hotplugs one CPU slot via device_add. Unlike disk/NIC
// hot-plug there is no backend-allocation step to roll back.
func (m *VMManager) AttachCPU(ctx context.Context, driver, id string, props CPUProperties) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isConnected {
		return ErrNotConnected
	}
	return m.client.CPUDeviceAdd(ctx, driver, id, props)
}

// AttachNIC hot-plugs a network device: netdev_add then device_add,
// mirroring AttachDisk's rollback shape.
func (m *VMManager) AttachNIC(ctx context.Context, name, backend, model, mac string, opts map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isConnected {
		return ErrNotConnected
	}

	netdevID := "netdev-" + name
	backendOpts := make(map[string]interface{}, len(opts))
	for k, v := range opts {
		backendOpts[k] = v
	}
	if err := m.client.NetdevAdd(ctx, netdevID, backend, backendOpts); err != nil {
		return err
	}

	extra := map[string]interface{}{"netdev": netdevID}
	if mac != "" {
		extra["mac"] = mac
	}
	if err := m.client.DeviceAdd(ctx, name, model, extra); err != nil {
		if delErr := m.client.NetdevDel(ctx, netdevID); delErr != nil {
			m.logger.Warningf("qemu: compensating netdev_del for %s failed: %v", netdevID, delErr)
		}
		return err
	}
	return nil
}

// DetachNIC hot-unplugs a network device: device_del then netdev_del, both
// attempted regardless of the first's outcome, failures aggregated.
func (m *VMManager) DetachNIC(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isConnected {
		return ErrNotConnected
	}

	netdevID := "netdev-" + name
	var result *multierror.Error
	if err := m.client.DeviceDel(ctx, name); err != nil {
		result = multierror.Append(result, err)
	}
	if err := m.client.NetdevDel(ctx, netdevID); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
