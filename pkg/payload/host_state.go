// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package payload

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// HostState is the liveness announcement a primary host application
// publishes on spBv1.0/STATE/{hostId}.
type HostState struct {
	Online bool `json:"online"`
	// Timestamp in milliseconds; 0 for legacy payloads that carry none.
	Timestamp uint64 `json:"timestamp"`
}

// ParseHostState accepts the JSON form `{"online":true,"timestamp":...}` and
// the plain-text ONLINE / OFFLINE form used by older hosts.
func ParseHostState(data []byte) (HostState, error) {
	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.EqualFold(trimmed, []byte("ONLINE")):
		return HostState{Online: true}, nil
	case bytes.EqualFold(trimmed, []byte("OFFLINE")):
		return HostState{Online: false}, nil
	}

	var raw struct {
		Online    *bool   `json:"online"`
		Timestamp *uint64 `json:"timestamp"`
	}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return HostState{}, fmt.Errorf("%w: host state: %v", ErrDecoding, err)
	}
	if raw.Online == nil {
		return HostState{}, fmt.Errorf("%w: host state has no online field", ErrDecoding)
	}
	state := HostState{Online: *raw.Online}
	if raw.Timestamp != nil {
		state.Timestamp = *raw.Timestamp
	}
	return state, nil
}

// MarshalHostState renders s in the JSON form.
func MarshalHostState(s HostState) ([]byte, error) {
	return json.Marshal(s)
}
