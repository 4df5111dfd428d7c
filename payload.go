package taskgraph

import "fmt"

// submitConfig accumulates SubmitOption values; see Pool.Submit.
type submitConfig struct {
	parents        []*Task
	payload        any
	payloadDeleter func(any)
	copied         []byte
	useCopy        bool
}

// SubmitOption configures an individual call to Pool.Submit.
type SubmitOption func(*submitConfig)

// WithParents declares the tasks that must reach completed before the new
// task becomes runnable. Nil entries and already-completed parents are
// ignored, matching spec.md §4.E step 4.
func WithParents(parents ...*Task) SubmitOption {
	return func(c *submitConfig) {
		c.parents = append(c.parents, parents...)
	}
}

// WithPayload passes payload by borrow: the caller guarantees it remains
// valid until the task completes. Combine with WithPayloadDeleter if the
// pool should free it on completion.
func WithPayload(payload any) SubmitOption {
	return func(c *submitConfig) {
		c.payload = payload
	}
}

// WithPayloadDeleter registers a callback invoked exactly once after the
// task reaches completed. Setting this forces borrow-mode payload ownership
// per spec.md §4.F, and disables the inline fast path per spec.md §4.E.
func WithPayloadDeleter(deleter func(any)) SubmitOption {
	return func(c *submitConfig) {
		c.payloadDeleter = deleter
	}
}

// WithCopiedPayload asks the pool to take its own copy of a byte payload:
// the callback receives the internal copy, and the caller's slice may be
// reused or freed as soon as Submit returns. This is the Go-native rendition
// of the C core's payload_size-driven memcpy in spec.md §4.F, restricted to
// []byte because Go has no generic "flat memory region" to clone.
func WithCopiedPayload(payload []byte) SubmitOption {
	return func(c *submitConfig) {
		c.copied = payload
		c.useCopy = true
	}
}

// resolvePayload implements the three-way table of spec.md §4.F. It returns
// the effective payload and deleter to store on the task record.
func resolvePayload(cfg submitConfig, size uint32) (any, func(any), error) {
	borrow := size == 0 || cfg.payloadDeleter != nil

	if borrow {
		if cfg.useCopy {
			// Borrowing a caller-owned byte slice is legal too; the deleter
			// (if any) still governs cleanup, the slice is simply never cloned.
			return cfg.copied, cfg.payloadDeleter, nil
		}
		return cfg.payload, cfg.payloadDeleter, nil
	}

	// Copy mode: only meaningful for a concrete byte payload.
	if cfg.useCopy {
		clone := append([]byte(nil), cfg.copied...)
		return clone, nil, nil
	}

	if cfg.payload != nil {
		return nil, nil, fmt.Errorf("%w", ErrInvalidPayload)
	}

	return nil, nil, nil
}
