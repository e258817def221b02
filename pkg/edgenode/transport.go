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

import "context"

// Transport is the publish/subscribe collaborator the node drives. Calls
// block at most for the network round trip or until ctx is done.
type Transport interface {
	// SetWill registers the message the broker publishes if the connection
	// drops uncleanly. It takes effect on the next Connect.
	SetWill(topic string, payload []byte, qos byte, retain bool)
	SetMessageCallback(fn func(topic string, payload []byte))
	SetConnectionLostCallback(fn func(err error))

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
	Subscribe(ctx context.Context, topic string, qos byte) error
	// Ping checks the connection is alive.
	Ping(ctx context.Context) error
	IsConnected() bool
}
