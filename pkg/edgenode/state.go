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

package edgenode

import (
	"context"

	"github.com/looplab/fsm"
)

// Session states.
const (
	// StateOffline means no transport session exists.
	StateOffline = "offline"
	// StateAwaitingPrimaryHost means connected, waiting for the primary host
	// to announce itself online.
	StateAwaitingPrimaryHost = "awaiting_primary_host"
	// StateBirthPending means a birth must be published before anything else.
	StateBirthPending = "birth_pending"
	// StateOnline means the birth was published and data may flow.
	StateOnline = "online"
)

// States lists every session state.
var States = []string{StateOffline, StateAwaitingPrimaryHost, StateBirthPending, StateOnline}

// Session events.
const (
	EventConnect          = "connect"
	EventConnectAwaitHost = "connect_await_host"
	EventHostOnline       = "host_online"
	EventBirthDone        = "birth_done"
	EventRebirth          = "rebirth"
	EventHostOffline      = "host_offline"
	EventDisconnect       = "disconnect"
	EventConnectionLost   = "connection_lost"
)

var connectedStates = []string{StateAwaitingPrimaryHost, StateBirthPending, StateOnline}

var sessionEvents = fsm.Events{
	{Name: EventConnect, Src: []string{StateOffline}, Dst: StateBirthPending},
	{Name: EventConnectAwaitHost, Src: []string{StateOffline}, Dst: StateAwaitingPrimaryHost},
	{Name: EventHostOnline, Src: []string{StateAwaitingPrimaryHost}, Dst: StateBirthPending},
	{Name: EventBirthDone, Src: []string{StateBirthPending}, Dst: StateOnline},
	{Name: EventRebirth, Src: []string{StateOnline}, Dst: StateBirthPending},
	{Name: EventHostOffline, Src: []string{StateBirthPending, StateOnline}, Dst: StateAwaitingPrimaryHost},
	{Name: EventDisconnect, Src: connectedStates, Dst: StateOffline},
	{Name: EventConnectionLost, Src: connectedStates, Dst: StateOffline},
}

// newSessionFSM creates the session machine in StateOffline. onEnter runs
// after every transition with the source and destination states; it must
// not fire events itself.
func newSessionFSM(onEnter func(ctx context.Context, event, src, dst string)) *fsm.FSM {
	return fsm.NewFSM(
		StateOffline,
		sessionEvents,
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				onEnter(ctx, e.Event, e.Src, e.Dst)
			},
		},
	)
}
