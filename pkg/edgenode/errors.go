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
	"errors"
	"fmt"
)

var (
	// ErrTransport wraps failures of the MQTT collaborator. The session is
	// Offline after it, without a death having been published.
	ErrTransport = errors.New("sparkplug transport failure")

	// ErrPublish is a non-fatal publish failure: a data change set that will
	// be retried on the next mutation or tick, or a birth that will be retried
	// after backoff.
	ErrPublish = errors.New("sparkplug publish failed")

	// ErrPrimaryHostTimeout is reported by OnTick while the primary host has
	// not come online within the configured timeout. The node keeps waiting.
	ErrPrimaryHostTimeout = errors.New("primary host did not come online in time")

	// ErrInvalidConfig is returned by New for unusable Options.
	ErrInvalidConfig = errors.New("invalid edge node configuration")
)

// CommandError is a failure raised by a command metric's handler.
type CommandError struct {
	Metric string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s: %v", e.Metric, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
