package balancer

import "errors"

var (
	// Ring errors.
	ErrInvalidConfig = errors.New("balancer: invalid ring configuration")
	ErrInvalidNode   = errors.New("balancer: node id must not be negative")
	ErrNodeExists    = errors.New("balancer: node already on ring")
	ErrUnknownNode   = errors.New("balancer: node not on ring")
	ErrRingFull      = errors.New("balancer: hash ring is full")
	ErrEmptyPool     = errors.New("balancer: no server replicas available")

	// Registry errors.
	ErrHostExists       = errors.New("balancer: hostname already registered")
	ErrUnknownHost      = errors.New("balancer: hostname not registered")
	ErrTooManyHostnames = errors.New("balancer: more hostnames than instances")
	ErrInvalidCount     = errors.New("balancer: instance count must not be negative")

	// ErrUnavailable is returned by Route when no backend can take the request.
	ErrUnavailable = errors.New("balancer: no server available")
)
