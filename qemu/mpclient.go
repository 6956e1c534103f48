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
	"bufio"
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"
)

// connectRetries and the backoff schedule below implement connect-side
// retry: up to 10 attempts, starting at 100ms, doubling to a cap of 1s,
// because ProcessSupervisor.start cannot guarantee the control socket is
// accept()-ready the instant it returns.
const (
	connectRetries           = 10
	connectInitialBackoff    = 100 * time.Millisecond
	connectMaxBackoff        = 1 * time.Second
	connectBackoffMultiplier = 2.0
)

// MPClient owns one Monitor Protocol connection to a hypervisor: it frames
// newline-delimited JSON, correlates replies to requests FIFO, and surfaces
// typed errors.
type MPClient struct {
	logger Logger

	mu       sync.Mutex
	writeMu  sync.Mutex
	conn     net.Conn
	pending  *list.List // of *pendingRequest, FIFO
	waiters  map[string]chan struct{}
	eventCh  chan<- MPEvent
	greeting chan *MPGreeting

	connected atomic.Bool
	version   MPVersion
	caps      []string

	closed chan struct{}
}

type pendingRequest struct {
	resultCh chan pendingResult
}

type pendingResult struct {
	resp MPResponse
	err  error
}

// MPClientConfig configures an MPClient. All fields are optional.
type MPClientConfig struct {
	// Logger receives informational, warning and error logs. Defaults to a
	// no-op logger.
	Logger Logger

	// EventCh, if non-nil, receives every MPEvent observed after the
	// greeting. Sends are non-blocking: a full channel drops the event
	// (events are observed and logged, not a delivery guarantee).
	EventCh chan<- MPEvent
}

// NewMPClient constructs an unconnected MPClient.
func NewMPClient(cfg MPClientConfig) *MPClient {
	logger := cfg.Logger
	if logger == nil {
		logger = nullLogger{}
	}
	return &MPClient{
		logger:  logger,
		pending: list.New(),
		waiters: make(map[string]chan struct{}),
		eventCh: cfg.EventCh,
	}
}

// IsConnected reports whether the client currently owns a live connection.
func (c *MPClient) IsConnected() bool { return c.connected.Load() }

// Capabilities returns the capability list from the greeting observed at
// connect time. It is empty until a successful connect.
func (c *MPClient) Capabilities() []string { return c.caps }

// Version returns the hypervisor version reported in the greeting.
func (c *MPClient) Version() MPVersion { return c.version }

// connectUnix opens a UNIX-domain stream to path, reads and parses the
// greeting, then negotiates capabilities. It tolerates initial connect
// refusals, since the control socket may not be accept()-ready the
// instant the hypervisor process starts.
func (c *MPClient) connectUnix(ctx context.Context, path string) error {
	if c.connected.Load() {
		return newError(KindNotConnected, fmt.Errorf("already connected"))
	}

	conn, err := dialUnixWithRetry(ctx, path)
	if err != nil {
		return newError(KindConnectionLost, err)
	}
	return c.finishConnect(ctx, conn)
}

// connectTCP opens a TCP stream to host:port and performs the same
// handshake as connectUnix. Unlike connectUnix it does not retry refused
// connections: TCP endpoints are not subject to the create-then-listen race
// a freshly spawned hypervisor's UNIX socket is.
func (c *MPClient) connectTCP(ctx context.Context, host string, port int) error {
	if c.connected.Load() {
		return newError(KindNotConnected, fmt.Errorf("already connected"))
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return newError(KindConnectionLost, err)
	}
	return c.finishConnect(ctx, conn)
}

func dialUnixWithRetry(ctx context.Context, path string) (net.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = connectInitialBackoff
	bo.MaxInterval = connectMaxBackoff
	bo.Multiplier = connectBackoffMultiplier
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0 // bounded by WithMaxRetries below, not wall clock

	var conn net.Conn
	op := func() error {
		var d net.Dialer
		c, err := d.DialContext(ctx, "unix", path)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	// WithMaxRetries counts retries after the first attempt, so
	// connectRetries-1 retries make connectRetries attempts in all.
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, connectRetries-1), ctx))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *MPClient) finishConnect(ctx context.Context, conn net.Conn) error {
	c.mu.Lock()
	c.conn = conn
	c.greeting = make(chan *MPGreeting, 1)
	c.closed = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop()

	var g *MPGreeting
	select {
	case g = <-c.greeting:
	case <-c.closed:
		return newError(KindConnectionLost, fmt.Errorf("transport closed before greeting"))
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	}
	if g == nil {
		return newError(KindInvalidResponse, fmt.Errorf("malformed greeting"))
	}
	c.version = g.Version
	c.caps = g.Capabilities

	c.connected.Store(true)

	if _, err := c.Execute(ctx, "qmp_capabilities", nil); err != nil {
		c.connected.Store(false)
		_ = conn.Close()
		return err
	}
	return nil
}

// readLoop accumulates bytes until a newline is observed, decoding the
// preceding bytes as one MP message, for as long as the connection stays
// open. It runs for the lifetime of the connection.
func (c *MPClient) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		c.dispatch(line)
	}
	c.handleDisconnect()
}

func (c *MPClient) dispatch(line []byte) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		c.logger.Warningf("qemu: malformed MP message %q: %v", string(line), err)
		return
	}

	switch classify(raw) {
	case messageGreeting:
		g, err := decodeGreeting(line)
		if err != nil {
			c.logger.Errorf("qemu: %v", err)
			select {
			case c.greeting <- nil:
			default:
			}
			return
		}
		select {
		case c.greeting <- &g:
		default:
		}
	case messageEvent:
		ev, err := decodeEvent(line)
		if err != nil {
			c.logger.Warningf("qemu: %v", err)
			return
		}
		if c.logger.V(1) {
			c.logger.Infof("qemu: MP event %s", ev.Name)
		}
		c.notifyWaiters(ev)
		if c.eventCh != nil {
			select {
			case c.eventCh <- ev:
			default:
			}
		}
	case messageResponse:
		resp, err := decodeResponse(line)
		c.resolveHead(resp, err)
	default:
		c.logger.Warningf("qemu: unknown MP message %q", string(line))
	}
}

func (c *MPClient) notifyWaiters(ev MPEvent) {
	if ev.Name != "DEVICE_DELETED" {
		return
	}
	data, ok := ev.Data.Map()
	if !ok {
		return
	}
	devID, ok := data["device"].String()
	if !ok {
		return
	}
	c.mu.Lock()
	ch, ok := c.waiters[devID]
	if ok {
		delete(c.waiters, devID)
	}
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (c *MPClient) resolveHead(resp MPResponse, err error) {
	c.mu.Lock()
	front := c.pending.Front()
	if front == nil {
		c.mu.Unlock()
		c.logger.Warningf("qemu: unexpected MP response with no pending request")
		return
	}
	c.pending.Remove(front)
	c.mu.Unlock()

	pr := front.Value.(*pendingRequest)
	if err != nil {
		pr.resultCh <- pendingResult{err: newError(KindInvalidResponse, err)}
		return
	}
	pr.resultCh <- pendingResult{resp: resp}
}

func (c *MPClient) handleDisconnect() {
	c.connected.Store(false)

	c.mu.Lock()
	for e := c.pending.Front(); e != nil; e = e.Next() {
		pr := e.Value.(*pendingRequest)
		pr.resultCh <- pendingResult{err: ErrConnectionLost}
	}
	c.pending.Init()
	// Outstanding DeviceDel waiters are dropped, not closed: DeviceDel
	// observes c.closed and reports ConnectionLost instead of success.
	c.waiters = make(map[string]chan struct{})
	closedCh := c.closed
	c.mu.Unlock()

	select {
	case <-closedCh:
	default:
		close(closedCh)
	}
}

// Execute submits one request and awaits the correlated response. Success
// returns the "return" payload, which may be any JSON value including an
// empty object.
func (c *MPClient) Execute(ctx context.Context, command string, arguments map[string]Value) (Value, error) {
	if !c.connected.Load() && command != "qmp_capabilities" {
		return Value{}, ErrNotConnected
	}

	data, err := EncodeRequest(MPRequest{Command: command, Arguments: arguments})
	if err != nil {
		return Value{}, err
	}

	// writeMu serializes the push-to-FIFO with the wire write so that two
	// concurrent callers can never have their requests land on the pending
	// queue in a different order than they hit the wire: FIFO dispatch in
	// the reader depends on that ordering matching.
	c.writeMu.Lock()
	pr := &pendingRequest{resultCh: make(chan pendingResult, 1)}
	c.mu.Lock()
	el := c.pending.PushBack(pr)
	conn := c.conn
	c.mu.Unlock()

	_, writeErr := conn.Write(data)
	c.writeMu.Unlock()

	if writeErr != nil {
		c.removePending(el)
		return Value{}, newError(KindConnectionLost, writeErr)
	}

	select {
	case res := <-pr.resultCh:
		if res.err != nil {
			return Value{}, res.err
		}
		if res.resp.Error != nil {
			return Value{}, NewMPError(res.resp.Error.Class, res.resp.Error.Desc)
		}
		return res.resp.Return, nil
	case <-ctx.Done():
		// The request is already on the wire, so its entry stays queued:
		// the reader drops the late reply into this abandoned buffered
		// channel instead of handing it to the next request.
		return Value{}, ctx.Err()
	}
}

func (c *MPClient) removePending(el *list.Element) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.pending.Front(); e != nil; e = e.Next() {
		if e == el {
			c.pending.Remove(e)
			return
		}
	}
}

// Disconnect is idempotent: it closes the transport and releases any
// waiting requests with ConnectionLost. Calling it when not connected
// returns successfully.
func (c *MPClient) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.connected.Load() {
		return nil
	}
	return conn.Close()
}

// Status is the parsed result of QueryStatus.
type Status struct {
	Status     string
	Running    bool
	SingleStep bool
}

// QueryStatus is a convenience wrapper around query-status that validates
// the three fields' presence and types.
func (c *MPClient) QueryStatus(ctx context.Context) (Status, error) {
	v, err := c.Execute(ctx, "query-status", nil)
	if err != nil {
		return Status{}, err
	}
	m, ok := v.Map()
	if !ok {
		return Status{}, newError(KindInvalidResponse, fmt.Errorf("query-status: return is not an object"))
	}
	status, ok := m["status"].String()
	if !ok {
		return Status{}, newError(KindInvalidResponse, fmt.Errorf("query-status: missing or non-string status"))
	}
	running, ok := m["running"].Bool()
	if !ok {
		return Status{}, newError(KindInvalidResponse, fmt.Errorf("query-status: missing or non-bool running"))
	}
	singlestep, ok := m["singlestep"].Bool()
	if !ok {
		return Status{}, newError(KindInvalidResponse, fmt.Errorf("query-status: missing or non-bool singlestep"))
	}
	return Status{Status: status, Running: running, SingleStep: singlestep}, nil
}

// Cont sends the cont command, resuming a paused VM.
func (c *MPClient) Cont(ctx context.Context) error {
	_, err := c.Execute(ctx, "cont", nil)
	return err
}

// Stop sends the stop command, pausing a running VM.
func (c *MPClient) Stop(ctx context.Context) error {
	_, err := c.Execute(ctx, "stop", nil)
	return err
}

// SystemPowerdown sends the system_powerdown command, requesting a graceful
// guest shutdown.
func (c *MPClient) SystemPowerdown(ctx context.Context) error {
	_, err := c.Execute(ctx, "system_powerdown", nil)
	return err
}

// SystemReset sends the system_reset command.
func (c *MPClient) SystemReset(ctx context.Context) error {
	_, err := c.Execute(ctx, "system_reset", nil)
	return err
}

// Quit sends the quit command, terminating the hypervisor's MP session
// immediately.
func (c *MPClient) Quit(ctx context.Context) error {
	_, err := c.Execute(ctx, "quit", nil)
	return err
}

// QuerySchema returns the hypervisor's QMP command/event schema, a
// diagnostic supplement to the core command set.
func (c *MPClient) QuerySchema(ctx context.Context) ([]Value, error) {
	v, err := c.Execute(ctx, "query-qmp-schema", nil)
	if err != nil {
		return nil, err
	}
	l, ok := v.List()
	if !ok {
		return nil, newError(KindInvalidResponse, fmt.Errorf("query-qmp-schema: return is not a list"))
	}
	return l, nil
}

// BlockdevAdd creates a block backend node named nodeName backed by file.
// This is step 1 of disk hot-plug.
func (c *MPClient) BlockdevAdd(ctx context.Context, nodeName, file string, readOnly bool) error {
	args, err := valueMap(map[string]interface{}{
		"node-name": nodeName,
		"read-only": readOnly,
		"driver":    "raw",
		"file": map[string]interface{}{
			"driver":   "file",
			"filename": file,
		},
	})
	if err != nil {
		return err
	}
	_, err = c.Execute(ctx, "blockdev-add", args)
	return err
}

// BlockdevDel deletes the block backend node named nodeName. Used both as
// step 2 of detachDisk and as the compensating rollback when attachDisk's
// device_add step fails.
func (c *MPClient) BlockdevDel(ctx context.Context, nodeName string) error {
	args, err := valueMap(map[string]interface{}{"node-name": nodeName})
	if err != nil {
		return err
	}
	_, err = c.Execute(ctx, "blockdev-del", args)
	return err
}

// DeviceAdd binds a guest-visible frontend device named id, of the given
// driver, to a previously created backend. extra carries the
// backend-reference key ("drive" for a blockdev-add node, "netdev" for a
// netdev_add backend) plus any device-specific properties (e.g. "mac").
func (c *MPClient) DeviceAdd(ctx context.Context, id, driver string, extra map[string]interface{}) error {
	kv := map[string]interface{}{
		"id":     id,
		"driver": driver,
	}
	for k, v := range extra {
		kv[k] = v
	}
	args, err := valueMap(kv)
	if err != nil {
		return err
	}
	_, err = c.Execute(ctx, "device_add", args)
	return err
}

// DeviceDel removes the guest-visible frontend device named id. device_del
// is asynchronous at the hypervisor level: this implementation blocks
// until the matching DEVICE_DELETED event arrives before returning, so
// callers never race a follow-up blockdev-del/netdev_del against a
// frontend that is still attached.
func (c *MPClient) DeviceDel(ctx context.Context, id string) error {
	waitCh := make(chan struct{})
	c.mu.Lock()
	c.waiters[id] = waitCh
	c.mu.Unlock()

	args, err := valueMap(map[string]interface{}{"id": id})
	if err != nil {
		c.removeWaiter(id)
		return err
	}

	if _, err := c.Execute(ctx, "device_del", args); err != nil {
		c.removeWaiter(id)
		return err
	}

	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		c.removeWaiter(id)
		return ctx.Err()
	case <-c.closed:
		return ErrConnectionLost
	}
}

func (c *MPClient) removeWaiter(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.waiters[id]; ok {
		delete(c.waiters, id)
		close(ch)
	}
}

// QueryBlock returns the raw query-block payload as a sequence of opaque
// JSON values.
func (c *MPClient) QueryBlock(ctx context.Context) ([]Value, error) {
	v, err := c.Execute(ctx, "query-block", nil)
	if err != nil {
		return nil, err
	}
	l, ok := v.List()
	if !ok {
		return nil, newError(KindInvalidResponse, fmt.Errorf("query-block: return is not a list"))
	}
	return l, nil
}

// NetdevAdd creates a network backend named id using the given backend type
// (e.g. "user", "tap", "bridge") and backend-specific options. This is step
// 1 of NIC hot-plug.
func (c *MPClient) NetdevAdd(ctx context.Context, id, backend string, opts map[string]interface{}) error {
	kv := map[string]interface{}{
		"id":   id,
		"type": backend,
	}
	for k, v := range opts {
		kv[k] = v
	}
	args, err := valueMap(kv)
	if err != nil {
		return err
	}
	_, err = c.Execute(ctx, "netdev_add", args)
	return err
}

// NetdevDel deletes the network backend named id.
func (c *MPClient) NetdevDel(ctx context.Context, id string) error {
	args, err := valueMap(map[string]interface{}{"id": id})
	if err != nil {
		return err
	}
	_, err = c.Execute(ctx, "netdev_del", args)
	return err
}

// CPUProperties identifies the topology slot of a hotpluggable CPU.
type CPUProperties struct {
	NodeID   int `json:"node-id"`
	SocketID int `json:"socket-id"`
	CoreID   int `json:"core-id"`
	ThreadID int `json:"thread-id"`
}

// HotpluggableCPU describes one entry returned by query-hotpluggable-cpus.
type HotpluggableCPU struct {
	Type       string        `json:"type"`
	VcpusCount int           `json:"vcpus-count"`
	Properties CPUProperties `json:"props"`
	QOMPath    string        `json:"qom-path"`
}

// QueryHotpluggableCPUs returns the list of hotpluggable CPU slots.
func (c *MPClient) QueryHotpluggableCPUs(ctx context.Context) ([]HotpluggableCPU, error) {
	v, err := c.Execute(ctx, "query-hotpluggable-cpus", nil)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, newError(KindInvalidResponse, err)
	}
	var cpus []HotpluggableCPU
	if err := json.Unmarshal(data, &cpus); err != nil {
		return nil, newError(KindInvalidResponse, err)
	}
	return cpus, nil
}

// CPUDeviceAdd hotplugs a CPU using device_add. id must be a unique QMP
// identifier.
func (c *MPClient) CPUDeviceAdd(ctx context.Context, driver, id string, props CPUProperties) error {
	args, err := valueMap(map[string]interface{}{
		"driver":    driver,
		"id":        id,
		"node-id":   props.NodeID,
		"socket-id": props.SocketID,
		"core-id":   props.CoreID,
		"thread-id": props.ThreadID,
	})
	if err != nil {
		return err
	}
	_, err = c.Execute(ctx, "device_add", args)
	return err
}
