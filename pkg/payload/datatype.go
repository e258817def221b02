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
	"fmt"
	"strings"
)

// DataType is the Sparkplug B datatype tag carried by metrics and DataSet columns.
type DataType uint32

// Datatype indexes as defined by the Sparkplug B specification.
const (
	TypeUnknown  DataType = 0
	TypeInt8     DataType = 1
	TypeInt16    DataType = 2
	TypeInt32    DataType = 3
	TypeInt64    DataType = 4
	TypeUInt8    DataType = 5
	TypeUInt16   DataType = 6
	TypeUInt32   DataType = 7
	TypeUInt64   DataType = 8
	TypeFloat    DataType = 9
	TypeDouble   DataType = 10
	TypeBoolean  DataType = 11
	TypeString   DataType = 12
	TypeDateTime DataType = 13
	TypeText     DataType = 14
	TypeUUID     DataType = 15
	TypeDataSet  DataType = 16
	TypeBytes    DataType = 17
	TypeFile     DataType = 18

	// Template, property set and array types are part of the schema but
	// are not supported by this implementation.
	TypeTemplate DataType = 19
)

var dataTypeNames = map[DataType]string{
	TypeUnknown:  "unknown",
	TypeInt8:     "int8",
	TypeInt16:    "int16",
	TypeInt32:    "int32",
	TypeInt64:    "int64",
	TypeUInt8:    "uint8",
	TypeUInt16:   "uint16",
	TypeUInt32:   "uint32",
	TypeUInt64:   "uint64",
	TypeFloat:    "float",
	TypeDouble:   "double",
	TypeBoolean:  "boolean",
	TypeString:   "string",
	TypeDateTime: "datetime",
	TypeText:     "text",
	TypeUUID:     "uuid",
	TypeDataSet:  "dataset",
	TypeBytes:    "bytes",
	TypeFile:     "file",
	TypeTemplate: "template",
}

// String returns the lower-case name used in configuration files.
func (t DataType) String() string {
	if name, ok := dataTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("datatype(%d)", uint32(t))
}

// Supported reports whether metrics of this type can be encoded and decoded.
func (t DataType) Supported() bool {
	return t >= TypeInt8 && t <= TypeFile
}

// Scalar reports whether the type may be used as a DataSet column type.
func (t DataType) Scalar() bool {
	return t >= TypeInt8 && t <= TypeUUID
}

// ParseDataType resolves a configuration name such as "float" or "Int32".
// "bool" is accepted as an alias of "boolean".
func ParseDataType(name string) (DataType, error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "bool" {
		return TypeBoolean, nil
	}
	for dt, n := range dataTypeNames {
		if n == lower && dt.Supported() {
			return dt, nil
		}
	}
	return TypeUnknown, fmt.Errorf("%w: %q", ErrUnknownDataType, name)
}
