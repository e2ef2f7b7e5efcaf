package sandbox

import "errors"

var (
	// ErrDockerImageRequired is returned when no image is configured
	ErrDockerImageRequired = errors.New("docker image is required for docker runtime")

	// ErrInvalidMemoryLimit is returned when the memory limit is invalid
	ErrInvalidMemoryLimit = errors.New("invalid memory limit (must be >= 0)")

	// ErrInvalidTimeout is returned when the timeout is invalid
	ErrInvalidTimeout = errors.New("invalid timeout (must be >= 0)")

	// ErrInvalidNetworkMode is returned for network modes other than none, bridge or host
	ErrInvalidNetworkMode = errors.New("invalid network mode")

	// ErrInvalidToolName is returned when a tool name cannot be used as a module path
	ErrInvalidToolName = errors.New("invalid tool name")

	// ErrExecutionTimeout is returned when execution times out
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrNonZeroExit is returned when the tool process exits with a non-zero status
	ErrNonZeroExit = errors.New("tool exited with non-zero status")

	// ErrInvalidOutput is returned when the tool does not print a JSON object
	ErrInvalidOutput = errors.New("tool output is not a JSON object")
)
