package vm

import (
	"fmt"
	"strings"
)

// Type characters used throughout the engine. Array and class descriptors
// both collapse to TypeRef.
const (
	TypeBoolean byte = 'Z'
	TypeByte    byte = 'B'
	TypeChar    byte = 'C'
	TypeShort   byte = 'S'
	TypeInt     byte = 'I'
	TypeLong    byte = 'J'
	TypeFloat   byte = 'F'
	TypeDouble  byte = 'D'
	TypeRef     byte = 'L'
	TypeVoid    byte = 'V'
)

// typeSize returns the storage size in bytes of a field or element type.
func typeSize(t byte) int {
	switch t {
	case TypeBoolean, TypeByte:
		return 1
	case TypeChar, TypeShort:
		return 2
	case TypeInt, TypeFloat:
		return 4
	default:
		return 8
	}
}

// typeSlots returns the number of stack slots a value of type t occupies.
func typeSlots(t byte) int {
	switch t {
	case TypeLong, TypeDouble:
		return 2
	case TypeVoid:
		return 0
	}
	return 1
}

// MethodType is a parsed method descriptor.
type MethodType struct {
	Params    []byte // one type char per logical parameter
	ParamDesc []string
	Return    byte
}

// ArgSlots returns the slot width of the parameters, excluding any receiver.
func (mt MethodType) ArgSlots() int {
	n := 0
	for _, p := range mt.Params {
		n += typeSlots(p)
	}
	return n
}

// FieldType returns the type character of a field descriptor.
func FieldType(desc string) (byte, error) {
	t, n, err := parseFieldDescriptor(desc, 0)
	if err != nil {
		return 0, err
	}
	if n != len(desc) {
		return 0, fmt.Errorf("trailing data in field descriptor %q", desc)
	}
	return t, nil
}

// ParseMethodDescriptor parses descriptors of the form "(IJLjava/lang/String;)V".
func ParseMethodDescriptor(desc string) (MethodType, error) {
	var mt MethodType
	if len(desc) < 3 || desc[0] != '(' {
		return mt, fmt.Errorf("malformed method descriptor %q", desc)
	}
	i := 1
	for i < len(desc) && desc[i] != ')' {
		t, end, err := parseFieldDescriptor(desc, i)
		if err != nil {
			return mt, fmt.Errorf("method descriptor %q: %w", desc, err)
		}
		mt.Params = append(mt.Params, t)
		mt.ParamDesc = append(mt.ParamDesc, desc[i:end])
		i = end
	}
	if i >= len(desc) {
		return mt, fmt.Errorf("unterminated parameter list in %q", desc)
	}
	i++
	if i < len(desc) && desc[i] == 'V' {
		if i+1 != len(desc) {
			return mt, fmt.Errorf("trailing data in method descriptor %q", desc)
		}
		mt.Return = TypeVoid
		return mt, nil
	}
	t, end, err := parseFieldDescriptor(desc, i)
	if err != nil {
		return mt, fmt.Errorf("method descriptor %q: %w", desc, err)
	}
	if end != len(desc) {
		return mt, fmt.Errorf("trailing data in method descriptor %q", desc)
	}
	mt.Return = t
	return mt, nil
}

func parseFieldDescriptor(desc string, i int) (byte, int, error) {
	if i >= len(desc) {
		return 0, i, fmt.Errorf("unexpected end of descriptor %q", desc)
	}
	switch c := desc[i]; c {
	case 'Z', 'B', 'C', 'S', 'I', 'J', 'F', 'D':
		return c, i + 1, nil
	case 'L':
		end := strings.IndexByte(desc[i:], ';')
		if end <= 1 {
			return 0, i, fmt.Errorf("unterminated class descriptor in %q", desc)
		}
		return TypeRef, i + end + 1, nil
	case '[':
		j := i
		for j < len(desc) && desc[j] == '[' {
			j++
		}
		_, end, err := parseFieldDescriptor(desc, j)
		if err != nil {
			return 0, i, err
		}
		return TypeRef, end, nil
	default:
		return 0, i, fmt.Errorf("invalid type %q in descriptor %q", c, desc)
	}
}

// classNameFromDescriptor turns "Lfoo/Bar;" into "foo/Bar". Array and
// primitive descriptors are returned unchanged.
func classNameFromDescriptor(desc string) string {
	if len(desc) > 2 && desc[0] == 'L' && desc[len(desc)-1] == ';' {
		return desc[1 : len(desc)-1]
	}
	return desc
}

// componentName returns the class name of an array's component, e.g.
// "[[I" -> "[I", "[Ljava/lang/String;" -> "java/lang/String".
func componentName(arrayName string) string {
	return classNameFromDescriptor(arrayName[1:])
}

// arrayNameOf returns the array class name whose component is the named
// class.
func arrayNameOf(component string) string {
	if strings.HasPrefix(component, "[") {
		return "[" + component
	}
	return "[L" + component + ";"
}

// zeroValue returns the default value for a type character.
func zeroValue(t byte) Value {
	switch t {
	case TypeLong:
		return Long(0)
	case TypeFloat:
		return Float(0)
	case TypeDouble:
		return Double(0)
	case TypeRef:
		return Null
	}
	return Int(0)
}
