//go:build debug_heap_utils

package memutils

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_heap_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_heap_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2(value, name)
	if err != nil {
		panic(err)
	}
}

// DebugCheckAligned will verify that the numerical value passed in is a multiple of HeaderAlignment,
// and panics if it is not. This method no-ops unless the debug_heap_utils build tag is present.
func DebugCheckAligned[T Number](value T, name string) {
	err := CheckAligned(value, name)
	if err != nil {
		panic(err)
	}
}
