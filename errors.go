package taskgraph

import "errors"

// Sentinel errors returned by the pool facade and scheduler. Following the
// teacher's convention (pooler.go's ErrPoolClosed, ErrInvalidWorkerID, ...),
// these carry no dynamic detail of their own: they are returned as is, or
// wrapped with fmt.Errorf("%w...") where the call site adds detail.
var (
	// ErrPoolClosed is returned by Submit once the pool has been closed.
	ErrPoolClosed = errors.New("taskgraph: pool is closed")

	// ErrInvalidSize is returned by NewPool/Resize for a negative worker count.
	ErrInvalidSize = errors.New("taskgraph: invalid worker count")

	// ErrInvalidPayload is returned when a WithPayload value (of any type,
	// []byte included) is submitted for copy-mode ownership (size != 0, no
	// deleter, no WithCopiedPayload).
	ErrInvalidPayload = errors.New("taskgraph: payload requires WithCopiedPayload, WithPayloadDeleter, or size == 0")

	// ErrCrossPoolParent is returned when a parent task handle belongs to a
	// different pool than the one being submitted to; dependencies across
	// pools are out of scope (spec.md Non-goals).
	ErrCrossPoolParent = errors.New("taskgraph: parent task belongs to a different pool")
)
