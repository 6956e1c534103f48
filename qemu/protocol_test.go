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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRequestRoundTrip(t *testing.T) {
	req := MPRequest{
		Command:   "device_add",
		Arguments: map[string]Value{"id": String("disk0")},
	}

	data, err := EncodeRequest(req)
	require.Nil(t, err, "failed to encode request: %v", err)
	assert.Equal(t, byte('\n'), data[len(data)-1], "expected trailing newline")

	decoded, err := DecodeRequest(data)
	require.Nil(t, err, "failed to decode request: %v", err)
	assert.Equal(t, req.Command, decoded.Command)

	id, ok := decoded.Arguments["id"].String()
	assert.True(t, ok)
	assert.Equal(t, "disk0", id)
}

func TestClassifyGreetingTakesPriority(t *testing.T) {
	raw := map[string]json.RawMessage{
		"QMP":    json.RawMessage(`{}`),
		"return": json.RawMessage(`{}`),
	}
	assert.Equal(t, messageGreeting, classify(raw))
}

func TestClassifyEvent(t *testing.T) {
	raw := map[string]json.RawMessage{"event": json.RawMessage(`"DEVICE_DELETED"`)}
	assert.Equal(t, messageEvent, classify(raw))
}

func TestClassifyResponse(t *testing.T) {
	withReturn := map[string]json.RawMessage{"return": json.RawMessage(`{}`)}
	assert.Equal(t, messageResponse, classify(withReturn))

	withError := map[string]json.RawMessage{"error": json.RawMessage(`{"class":"GenericError","desc":"bad"}`)}
	assert.Equal(t, messageResponse, classify(withError))
}

func TestClassifyUnknown(t *testing.T) {
	raw := map[string]json.RawMessage{"timestamp": json.RawMessage(`{}`)}
	assert.Equal(t, messageUnknown, classify(raw))
}

func TestDecodeGreeting(t *testing.T) {
	line := []byte(`{"QMP":{"version":{"qemu":{"major":6,"minor":2,"micro":0},"package":""},"capabilities":["oob"]}}`)
	g, err := decodeGreeting(line)
	require.Nil(t, err, "failed to decode greeting: %v", err)
	assert.Equal(t, 6, g.Version.Major)
	assert.Equal(t, 2, g.Version.Minor)
	assert.Equal(t, []string{"oob"}, g.Capabilities)
}

func TestDecodeResponseError(t *testing.T) {
	line := []byte(`{"error":{"class":"CommandNotFound","desc":"no such command"}}`)
	resp, err := decodeResponse(line)
	require.Nil(t, err, "failed to decode error response: %v", err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "CommandNotFound", resp.Error.Class)
}

func TestDecodeEventTimestamp(t *testing.T) {
	line := []byte(`{"event":"DEVICE_DELETED","data":{"device":"disk0"},"timestamp":{"seconds":1000,"microseconds":500}}`)
	ev, err := decodeEvent(line)
	require.Nil(t, err, "failed to decode event: %v", err)
	assert.Equal(t, "DEVICE_DELETED", ev.Name)
	assert.Equal(t, int64(1000), ev.Timestamp.Unix())
}
