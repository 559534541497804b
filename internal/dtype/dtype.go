// Package dtype maps Go element types to small value-kind tags.
package dtype

import (
	"fmt"
	"strings"
)

// DataType represents the kind of the elements stored in a buffer
type DataType int

const (
	Unknown DataType = iota
	Bool
	Int8
	Uint8
	Int16
	Uint16
	Int32
	Uint32
	Int64
	Uint64
	Half // 16-bit floating point, accelerator only
	Float32
	Float64
	String
	Type // a DataType value itself
)

// Element is the set of types a buffer may hold
type Element interface {
	~bool | ~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 |
		~int64 | ~uint64 | ~float32 | ~float64
}

var names = map[DataType]string{
	Unknown: "unknown",
	Bool:    "bool",
	Int8:    "int8",
	Uint8:   "uint8",
	Int16:   "int16",
	Uint16:  "uint16",
	Int32:   "int32",
	Uint32:  "uint32",
	Int64:   "int64",
	Uint64:  "uint64",
	Half:    "half",
	Float32: "float",
	Float64: "double",
	String:  "string",
	Type:    "dataType",
}

// String returns the name of the data type
func (dt DataType) String() string {
	if name, ok := names[dt]; ok {
		return name
	}
	return names[Unknown]
}

// Size returns the number of bytes per element, or 0 for variable-size
// and unknown types
func (dt DataType) Size() int {
	switch dt {
	case Bool, Int8, Uint8:
		return 1
	case Int16, Uint16, Half:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	case Type:
		return 8
	default:
		return 0
	}
}

// Parse returns the DataType named s. Go spellings ("float32", "float64")
// are accepted as well.
func Parse(s string) (DataType, error) {
	s = strings.TrimSpace(s)
	for dt, name := range names {
		if dt != Unknown && name == s {
			return dt, nil
		}
	}
	switch s {
	case "float32":
		return Float32, nil
	case "float64":
		return Float64, nil
	case "float16":
		return Half, nil
	}
	return Unknown, fmt.Errorf("unknown data type: %q", s)
}

// Of returns the tag for the element type T
func Of[T Element]() DataType {
	var zero T
	switch any(zero).(type) {
	case bool:
		return Bool
	case int8:
		return Int8
	case uint8:
		return Uint8
	case int16:
		return Int16
	case uint16:
		return Uint16
	case int32:
		return Int32
	case uint32:
		return Uint32
	case int64:
		return Int64
	case uint64:
		return Uint64
	case float32:
		return Float32
	case float64:
		return Float64
	default:
		return Unknown
	}
}
