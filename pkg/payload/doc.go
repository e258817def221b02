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

// Package payload maps the Sparkplug B payload schema onto the protobuf wire
// format.
//
// The Sparkplug B message is a protobuf (proto2) message. Rather than depending
// on generated code, the codec writes and reads the well-known field numbers
// directly with protowire, which keeps the output deterministic: the same
// logical payload always produces the same bytes.
//
// Metric values are carried as a tagged union (Value) whose tag is a DataType.
// Tabular values are represented by DataSet.
package payload
