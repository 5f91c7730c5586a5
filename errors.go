package gsplat

import "errors"

// Configuration errors abort the operation that raised them and leave all
// previously built state untouched.
var (
	// ErrMultiSceneAppend is returned when an incremental append is requested
	// while more than one scene is active. Appending would shift every scene's
	// global index range, so it is rejected outright.
	ErrMultiSceneAppend = errors.New("incremental append requires exactly one scene")

	// ErrSceneIndexRange is returned for a scene index outside the current
	// scene list.
	ErrSceneIndexRange = errors.New("scene index out of range")

	// ErrSplatIndexRange is returned for a global splat index outside the
	// current build.
	ErrSplatIndexRange = errors.New("global splat index out of range")

	// ErrComputeInFlight is returned when a distance computation is requested
	// while a previous one has not resolved yet.
	ErrComputeInFlight = errors.New("distance computation already in flight")

	// ErrNotBuilt is returned when packed data or device pipelines are read
	// before a build produced them.
	ErrNotBuilt = errors.New("pipeline has not been built")

	// ErrDisposed is returned when a disposed instance is used again.
	ErrDisposed = errors.New("instance has been disposed")

	// ErrTooManyScenes is returned when the scene count exceeds the transform
	// slots available to the dynamic-mode shaders.
	ErrTooManyScenes = errors.New("scene count exceeds transform capacity")

	// ErrModeMismatch is returned when a distance result is requested in the
	// wrong numeric mode for the computer instance.
	ErrModeMismatch = errors.New("output type does not match distance mode")

	// ErrNoDevice is returned when a device-side operation is invoked on a
	// host-only instance.
	ErrNoDevice = errors.New("no GPU context attached")
)
