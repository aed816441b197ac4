// Copyright © 2017 Microsoft <wastore@microsoft.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package common

import (
	"fmt"
	"reflect"
	"strings"
)

// Enum symbols are niladic methods on the enum type that return a value of
// that type; EnumHelper walks them with reflection so each enum only declares
// its symbols once.
type EnumHelper struct{}

type enumSymbolVisitor func(name string, value interface{}) (stop bool)

func (EnumHelper) isSymbolMethod(enumType reflect.Type, m reflect.Method) bool {
	// A symbol method takes only the receiver and returns 1 value of the enum's type
	return m.Type.NumIn() == 1 && m.Type.NumOut() == 1 && m.Type.Out(0) == enumType
}

func (h EnumHelper) symbols(enumType reflect.Type, visit enumSymbolVisitor) {
	args := [1]reflect.Value{reflect.Zero(enumType)}
	for m := 0; m < enumType.NumMethod(); m++ {
		method := enumType.Method(m)
		if !h.isSymbolMethod(enumType, method) {
			continue
		}
		value := method.Func.Call(args[:])[0].Convert(enumType).Interface()
		if visit(method.Name, value) {
			return
		}
	}
}

// String returns the symbol name whose value matches enumValue, or the
// decimal form when no symbol matches (forward compatibility with rows
// written by a newer build).
func (h EnumHelper) String(enumValue interface{}, enumType reflect.Type) string {
	result := ""
	h.symbols(enumType, func(name string, value interface{}) bool {
		if value == enumValue {
			result = name
			return true
		}
		return false
	})
	if result == "" {
		return fmt.Sprintf("%d", enumValue)
	}
	return result
}

// Parse finds the symbol whose name matches s (case-insensitively) and
// returns its value. Callers pass the type of their pointer receiver, so a
// pointer type is unwrapped first.
func (h EnumHelper) Parse(enumType reflect.Type, s string) (interface{}, error) {
	if enumType.Kind() == reflect.Ptr {
		enumType = enumType.Elem()
	}
	var found interface{}
	h.symbols(enumType, func(name string, value interface{}) bool {
		if strings.EqualFold(name, s) {
			found = value
			return true
		}
		return false
	})
	if found == nil {
		return nil, errorf("couldn't parse %q into a %s", s, enumType.Name())
	}
	return found, nil
}
