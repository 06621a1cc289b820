package halloc

import (
	"reflect"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// Make allocates units zeroed values of T, registered under T's Go type name. T must not contain
// pointers, since mapped memory is invisible to the garbage collector. The returned slice aliases the
// block's payload and must be released with Release or by freeing the block.
func Make[T any](a *Arena, units int) ([]T, Block, error) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if containsPointers(typ) {
		err := errors.Mark(errors.Newf("type %s contains pointers and cannot live in mapped memory", typ), ErrInvalidArgument)
		a.logFailure("Make FAILED", err)
		return nil, Block{}, err
	}

	var zero T
	block, err := a.Alloc(typ.String(), int(unsafe.Sizeof(zero)), units)
	if err != nil {
		return nil, Block{}, err
	}

	data := block.Bytes()
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(data))), units), block, nil
}

// Release frees the block backing a slice returned by Make. An empty slice is a no-op.
func Release[T any](a *Arena, values []T) error {
	if len(values) == 0 {
		return nil
	}
	return a.freeAddress(uintptr(unsafe.Pointer(unsafe.SliceData(values))))
}

func containsPointers(typ reflect.Type) bool {
	switch typ.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return false
	case reflect.Array:
		return typ.Len() > 0 && containsPointers(typ.Elem())
	case reflect.Struct:
		for i := 0; i < typ.NumField(); i++ {
			if containsPointers(typ.Field(i).Type) {
				return true
			}
		}
		return false
	default:
		return true
	}
}
