package halloc

import "github.com/cockroachdb/errors"

var (
	// ErrInvalidArgument marks requests with zero units, bad type names or bad element sizes
	ErrInvalidArgument = errors.New("halloc: invalid argument")
	// ErrLimitExceeded marks requests whose total size would not fit in a single mapping
	ErrLimitExceeded = errors.New("halloc: allocation exceeds the maximum mapping size")
	// ErrDegeneratePlatform marks a system page size the arena cannot run on. It is fatal: New panics
	// with an error carrying this mark.
	ErrDegeneratePlatform = errors.New("halloc: system page size is too small")
	// ErrResourceExhaustion marks failures of the system to map memory for a page
	ErrResourceExhaustion = errors.New("halloc: the system refused to map memory")
	// ErrRegistrationFailure marks failures to grow the type registry
	ErrRegistrationFailure = errors.New("halloc: type registration failed")
	// ErrInvalidBlock marks blocks that were not allocated by this arena or whose page is gone
	ErrInvalidBlock = errors.New("halloc: block does not belong to this arena")
	// ErrDoubleFree marks a release of a block that is already free
	ErrDoubleFree = errors.New("halloc: block is already free")
	// ErrArenaDestroyed marks calls made after Destroy
	ErrArenaDestroyed = errors.New("halloc: arena has been destroyed")
)
