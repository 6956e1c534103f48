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
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGreeting = `{"QMP":{"version":{"qemu":{"major":6,"minor":2,"micro":0},"package":""},"capabilities":[]}}`

// fakeHypervisor is a scripted peer standing in for a real hypervisor
// control socket, driven over a net.Pipe so the handshake, FIFO dispatch
// and event-wait logic can be exercised without a real binary.
type fakeHypervisor struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func newFakeHypervisor(t *testing.T, conn net.Conn) *fakeHypervisor {
	return &fakeHypervisor{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (f *fakeHypervisor) sendGreeting() {
	_, err := f.conn.Write([]byte(testGreeting + "\n"))
	require.Nil(f.t, err, "failed to write greeting: %v", err)
}

func (f *fakeHypervisor) readRequest() map[string]interface{} {
	line, err := f.reader.ReadString('\n')
	require.Nil(f.t, err, "failed to read request: %v", err)
	var m map[string]interface{}
	require.Nil(f.t, json.Unmarshal([]byte(line), &m))
	return m
}

func (f *fakeHypervisor) writeLine(s string) {
	_, err := f.conn.Write([]byte(s + "\n"))
	require.Nil(f.t, err, "failed to write line: %v", err)
}

func (f *fakeHypervisor) ackCapabilities() {
	req := f.readRequest()
	require.Equal(f.t, "qmp_capabilities", req["execute"])
	f.writeLine(`{"return":{}}`)
}

// connectedPair performs the full handshake over a net.Pipe and returns
// the connected MPClient plus the fakeHypervisor driving the other end.
func connectedPair(t *testing.T) (*MPClient, *fakeHypervisor) {
	clientConn, serverConn := net.Pipe()
	peer := newFakeHypervisor(t, serverConn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.sendGreeting()
		peer.ackCapabilities()
	}()

	client := NewMPClient(MPClientConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := client.finishConnect(ctx, clientConn)
	require.Nil(t, err, "handshake failed: %v", err)
	<-done

	return client, peer
}

func TestMPClientHandshake(t *testing.T) {
	client, _ := connectedPair(t)
	assert.True(t, client.IsConnected())
	assert.Equal(t, 6, client.Version().Major)
}

func TestMPClientExecuteSuccess(t *testing.T) {
	client, peer := connectedPair(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := peer.readRequest()
		assert.Equal(t, "query-status", req["execute"])
		peer.writeLine(`{"return":{"status":"running","running":true,"singlestep":false}}`)
	}()

	status, err := client.QueryStatus(context.Background())
	require.Nil(t, err, "query-status failed: %v", err)
	<-done

	assert.Equal(t, "running", status.Status)
	assert.True(t, status.Running)
	assert.False(t, status.SingleStep)
}

func TestMPClientExecuteMPError(t *testing.T) {
	client, peer := connectedPair(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.readRequest()
		peer.writeLine(`{"error":{"class":"GenericError","desc":"boom"}}`)
	}()

	_, err := client.Execute(context.Background(), "some-command", nil)
	<-done

	require.NotNil(t, err)
	var mpErr *Error
	require.True(t, errors.As(err, &mpErr))
	assert.Equal(t, KindMPError, mpErr.Kind)
	assert.Equal(t, "GenericError", mpErr.Class)
}

func TestMPClientFIFOCorrelation(t *testing.T) {
	client, peer := connectedPair(t)

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		for i := 0; i < 2; i++ {
			req := peer.readRequest()
			cmd, _ := req["execute"].(string)
			peer.writeLine(`{"return":{"echo":"` + cmd + `"}}`)
		}
	}()

	v1, err1 := client.Execute(context.Background(), "cmd-a", nil)
	require.Nil(t, err1)
	v2, err2 := client.Execute(context.Background(), "cmd-b", nil)
	require.Nil(t, err2)
	<-serverDone

	m1, _ := v1.Map()
	echo1, _ := m1["echo"].String()
	assert.Equal(t, "cmd-a", echo1)

	m2, _ := v2.Map()
	echo2, _ := m2["echo"].String()
	assert.Equal(t, "cmd-b", echo2)
}

func TestMPClientConnectionLostResolvesPending(t *testing.T) {
	client, peer := connectedPair(t)

	// Close the peer side without answering: the in-flight Execute must
	// resolve with ConnectionLost rather than hang.
	go func() {
		peer.readRequest()
		_ = peer.conn.Close()
	}()

	_, err := client.Execute(context.Background(), "query-status", nil)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.False(t, client.IsConnected())
}

func TestMPClientDeviceDelWaitsForEvent(t *testing.T) {
	client, peer := connectedPair(t)

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		req := peer.readRequest()
		assert.Equal(t, "device_del", req["execute"])
		peer.writeLine(`{"return":{}}`)
		// Simulate the hypervisor taking a moment before the frontend is
		// actually gone.
		time.Sleep(10 * time.Millisecond)
		peer.writeLine(`{"event":"DEVICE_DELETED","data":{"device":"disk0"},"timestamp":{"seconds":1,"microseconds":0}}`)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := client.DeviceDel(ctx, "disk0")
	require.Nil(t, err, "device_del failed: %v", err)
	<-serverDone
}
