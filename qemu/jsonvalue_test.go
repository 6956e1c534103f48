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

func TestValueIntRoundTrip(t *testing.T) {
	var v Value
	err := json.Unmarshal([]byte("42"), &v)
	require.Nil(t, err, "failed to unmarshal int: %v", err)

	i, ok := v.Int()
	assert.True(t, ok, "expected v to hold an int")
	assert.Equal(t, int64(42), i)

	data, err := json.Marshal(v)
	require.Nil(t, err, "failed to marshal int: %v", err)
	assert.Equal(t, "42", string(data))
}

func TestValueFloatRoundTrip(t *testing.T) {
	var v Value
	err := json.Unmarshal([]byte("4.5"), &v)
	require.Nil(t, err, "failed to unmarshal float: %v", err)

	f, ok := v.Float()
	assert.True(t, ok, "expected v to hold a float")
	assert.Equal(t, 4.5, f)

	data, err := json.Marshal(v)
	require.Nil(t, err, "failed to marshal float: %v", err)
	assert.Equal(t, "4.5", string(data))
}

func TestValueNestedMap(t *testing.T) {
	var v Value
	err := json.Unmarshal([]byte(`{"a":1,"b":[true,"s",null]}`), &v)
	require.Nil(t, err, "failed to unmarshal object: %v", err)

	m, ok := v.Map()
	require.True(t, ok, "expected v to hold a map")

	a, ok := m["a"].Int()
	assert.True(t, ok)
	assert.Equal(t, int64(1), a)

	list, ok := m["b"].List()
	require.True(t, ok, "expected nested list")
	require.Len(t, list, 3)

	b0, _ := list[0].Bool()
	assert.True(t, b0)

	b1, _ := list[1].String()
	assert.Equal(t, "s", b1)

	assert.True(t, list[2].IsNull())
}

func TestValueMarshalEmptyContainers(t *testing.T) {
	data, err := json.Marshal(List(nil))
	require.Nil(t, err)
	assert.Equal(t, "[]", string(data))

	data, err = json.Marshal(Map(nil))
	require.Nil(t, err)
	assert.Equal(t, "{}", string(data))
}
