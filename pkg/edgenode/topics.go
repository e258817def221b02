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
	"fmt"
	"strings"
)

// Namespace is the Sparkplug B topic namespace.
const Namespace = "spBv1.0"

// Message types of the edge node level.
const (
	MessageTypeNBIRTH = "NBIRTH"
	MessageTypeNDEATH = "NDEATH"
	MessageTypeNDATA  = "NDATA"
	MessageTypeNCMD   = "NCMD"
	MessageTypeSTATE  = "STATE"
)

// Topics are the fixed topics of one edge node.
type Topics struct {
	Birth   string
	Death   string
	Data    string
	Command string
	// State is empty when no primary host is configured.
	State string
}

// NewTopics builds the topic set for groupID/edgeNodeID and, when
// primaryHostID is not empty, the primary host STATE topic.
func NewTopics(groupID, edgeNodeID, primaryHostID string) (Topics, error) {
	if err := validateID("group id", groupID); err != nil {
		return Topics{}, err
	}
	if err := validateID("edge node id", edgeNodeID); err != nil {
		return Topics{}, err
	}
	t := Topics{
		Birth:   nodeTopic(groupID, MessageTypeNBIRTH, edgeNodeID),
		Death:   nodeTopic(groupID, MessageTypeNDEATH, edgeNodeID),
		Data:    nodeTopic(groupID, MessageTypeNDATA, edgeNodeID),
		Command: nodeTopic(groupID, MessageTypeNCMD, edgeNodeID),
	}
	if primaryHostID != "" {
		if err := validateID("primary host id", primaryHostID); err != nil {
			return Topics{}, err
		}
		t.State = Namespace + "/" + MessageTypeSTATE + "/" + primaryHostID
	}
	return t, nil
}

func nodeTopic(groupID, msgType, edgeNodeID string) string {
	return Namespace + "/" + groupID + "/" + msgType + "/" + edgeNodeID
}

// validateID rejects identifiers that would break the topic structure.
func validateID(what, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidConfig, what)
	}
	if strings.ContainsAny(id, "/+#") {
		return fmt.Errorf("%w: %s %q contains one of '/', '+', '#'", ErrInvalidConfig, what, id)
	}
	return nil
}
