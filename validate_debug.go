//go:build debug_hgsm

package hgsm

import "encoding/binary"

const (
	// DebugMargin is the number of bytes of debug data that should be placed between
	// allocations in heaps managed by this module
	DebugMargin int = 16
	// corruptionDetectionMagicValue is a 4-byte pattern that should be copied into debug
	// data placed between allocations in heaps managed by this module
	corruptionDetectionMagicValue uint32 = 0x7F84E666
)

// WriteMagicValue writes an easy-to-identify marker across DebugMargin bytes at the
// provided offset into the shared memory. This method no-ops unless the debug_hgsm
// build tag is present.
func WriteMagicValue(mem []byte, offset int) {
	for i := 0; i < DebugMargin; i += 4 {
		binary.LittleEndian.PutUint32(mem[offset+i:], corruptionDetectionMagicValue)
	}
}

// ValidateMagicValue verifies that the easy-to-identify marker written by WriteMagicValue
// is still present. It returns true if the value is still present and false otherwise.
// This method no-ops unless the debug_hgsm build tag is present.
func ValidateMagicValue(mem []byte, offset int) bool {
	for i := 0; i < DebugMargin; i += 4 {
		if binary.LittleEndian.Uint32(mem[offset+i:]) != corruptionDetectionMagicValue {
			return false
		}
	}

	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are
// returned. This method no-ops unless the debug_hgsm build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and
// panics if it is not. This method no-ops unless the debug_hgsm build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}
