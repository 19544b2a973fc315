// Package nilcheck guards option setters against typed-nil interfaces.
package nilcheck

import "reflect"

// Interface reports whether value is nil, catching the typed-nil case where
// a nil concrete pointer hides inside a non-nil interface.
func Interface(value any) bool {
	if value == nil {
		return true
	}

	v := reflect.ValueOf(value)

	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return v.IsNil()
	default:
		return false
	}
}
