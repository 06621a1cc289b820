//go:build debug_mem_utils

package memutils

const (
	// poisonByte is written across released payloads so that use-after-free reads are easy to spot
	poisonByte byte = 0xDD
)

// DebugPoison overwrites a released payload with an easy-to-identify marker.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugPoison(data []byte) {
	for i := range data {
		data[i] = poisonByte
	}
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}
