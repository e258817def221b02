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

import "errors"

var (
	// ErrEncoding is returned when a payload cannot be encoded, for example
	// because a value does not match its declared datatype.
	ErrEncoding = errors.New("sparkplug payload encoding failed")

	// ErrDecoding is the kind shared by every decode failure.
	ErrDecoding = errors.New("sparkplug payload decoding failed")

	// ErrTruncated is returned when the byte stream ends inside a field.
	ErrTruncated = errors.New("truncated payload")

	// ErrUnknownDataType is returned for unrecognised or unsupported datatype tags.
	ErrUnknownDataType = errors.New("unknown datatype")

	// ErrRowArity is returned when a DataSet row does not have one element per column.
	ErrRowArity = errors.New("dataset row does not match column count")

	// ErrConversion is returned when a Go value cannot be represented as the
	// requested datatype.
	ErrConversion = errors.New("value conversion failed")
)
