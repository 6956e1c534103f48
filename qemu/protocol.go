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

// Package qemu speaks the newline-delimited JSON Monitor Protocol (MP) a
// hypervisor exposes on its control socket, supervises the hypervisor child
// process, and composes the two into a VM lifecycle manager. See MPClient,
// ProcessSupervisor and VMManager.
package qemu

import (
	"encoding/json"
	"fmt"
	"time"
)

// MPRequest is one outbound MP command: a command name, optional arguments
// and an optional caller-supplied correlation id. The argument key set is
// command-defined and is not validated by the client.
type MPRequest struct {
	Command   string
	Arguments map[string]Value
	ID        Value
}

type wireRequest struct {
	Execute   string           `json:"execute"`
	Arguments map[string]Value `json:"arguments,omitempty"`
	ID        *Value           `json:"id,omitempty"`
}

// EncodeRequest renders req as one canonical JSON object followed by a
// single newline, the wire form MP expects for outbound messages.
func EncodeRequest(req MPRequest) ([]byte, error) {
	w := wireRequest{Execute: req.Command, Arguments: req.Arguments}
	if !req.ID.IsNull() {
		w.ID = &req.ID
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// DecodeRequest parses bytes previously produced by EncodeRequest (with or
// without the trailing newline) back into an MPRequest.
func DecodeRequest(data []byte) (MPRequest, error) {
	data = trimNewline(data)
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return MPRequest{}, err
	}
	req := MPRequest{Command: w.Execute, Arguments: w.Arguments}
	if w.ID != nil {
		req.ID = *w.ID
	}
	return req, nil
}

func trimNewline(data []byte) []byte {
	if n := len(data); n > 0 && data[n-1] == '\n' {
		return data[:n-1]
	}
	return data
}

// MPError is the error payload of an MPResponse: both strings are passed
// through verbatim from the peer.
type MPError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

// MPResponse is exactly one of a success payload (Return) or an error
// payload (Error), plus an optionally echoed correlation id.
type MPResponse struct {
	Return Value
	Error  *MPError
	ID     Value
}

// MPVersion is the nested qemu version reported in an MPGreeting.
type MPVersion struct {
	Major   int
	Minor   int
	Micro   int
	Package string
}

// MPGreeting is the one-shot hello message a hypervisor emits before
// accepting commands.
type MPGreeting struct {
	Version      MPVersion
	Capabilities []string
}

// MPEvent is an asynchronous message that may arrive at any time after the
// greeting.
type MPEvent struct {
	Name      string
	Data      Value
	Timestamp time.Time
}

// messageKind classifies one decoded MP line by structural presence of
// keys: greeting (QMP key) takes priority, then event, then return/error,
// then unknown.
type messageKind int

const (
	messageUnknown messageKind = iota
	messageGreeting
	messageEvent
	messageResponse
)

// classify inspects the top-level keys of a decoded MP line without fully
// decoding any one of the three message shapes: greeting takes priority
// over event, which takes priority over a return/error response.
func classify(raw map[string]json.RawMessage) messageKind {
	if _, ok := raw["QMP"]; ok {
		return messageGreeting
	}
	if _, ok := raw["event"]; ok {
		return messageEvent
	}
	_, hasReturn := raw["return"]
	_, hasError := raw["error"]
	if hasReturn || hasError {
		return messageResponse
	}
	return messageUnknown
}

type wireGreeting struct {
	QMP struct {
		Version struct {
			Qemu struct {
				Major int `json:"major"`
				Minor int `json:"minor"`
				Micro int `json:"micro"`
			} `json:"qemu"`
			Package string `json:"package"`
		} `json:"version"`
		Capabilities []string `json:"capabilities"`
	} `json:"QMP"`
}

func decodeGreeting(line []byte) (MPGreeting, error) {
	var w wireGreeting
	if err := json.Unmarshal(line, &w); err != nil {
		return MPGreeting{}, fmt.Errorf("qemu: invalid greeting: %w", err)
	}
	return MPGreeting{
		Version: MPVersion{
			Major:   w.QMP.Version.Qemu.Major,
			Minor:   w.QMP.Version.Qemu.Minor,
			Micro:   w.QMP.Version.Qemu.Micro,
			Package: w.QMP.Version.Package,
		},
		Capabilities: w.QMP.Capabilities,
	}, nil
}

type wireEvent struct {
	Event     string `json:"event"`
	Data      Value  `json:"data"`
	Timestamp *struct {
		Seconds      int64 `json:"seconds"`
		Microseconds int64 `json:"microseconds"`
	} `json:"timestamp"`
}

func decodeEvent(line []byte) (MPEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return MPEvent{}, fmt.Errorf("qemu: invalid event: %w", err)
	}
	ev := MPEvent{Name: w.Event, Data: w.Data}
	if w.Timestamp != nil {
		ev.Timestamp = time.Unix(w.Timestamp.Seconds, 0).Add(time.Duration(w.Timestamp.Microseconds) * time.Microsecond)
	}
	return ev, nil
}

type wireResponse struct {
	Return Value    `json:"return"`
	Error  *MPError `json:"error"`
	ID     Value    `json:"id"`
}

func decodeResponse(line []byte) (MPResponse, error) {
	var w wireResponse
	if err := json.Unmarshal(line, &w); err != nil {
		return MPResponse{}, fmt.Errorf("qemu: invalid response: %w", err)
	}
	return MPResponse{Return: w.Return, Error: w.Error, ID: w.ID}, nil
}
