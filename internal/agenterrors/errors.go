// Package agenterrors defines the closed error taxonomy shared by every
// agent component, grounded on agent/core/exceptions.py: a root AgentError
// and a fixed set of subtypes, each optionally wrapping a lower-level cause.
package agenterrors

import "fmt"

// AgentError is the marker interface implemented by every error kind in the
// taxonomy. Callers that only care "is this one of ours" can type-assert to
// AgentError rather than enumerating every concrete type.
type AgentError interface {
	error
	agentError()
}

type base struct {
	component string
	message   string
	cause     error
}

func (b *base) Error() string {
	if b.cause != nil {
		return fmt.Sprintf("%s: %s: %v", b.component, b.message, b.cause)
	}
	return fmt.Sprintf("%s: %s", b.component, b.message)
}

func (b *base) Unwrap() error { return b.cause }

func (b *base) agentError() {}

// ConfigurationError reports a failure loading, validating, or reloading the
// agent's configuration document.
type ConfigurationError struct{ *base }

// NewConfigurationError builds a ConfigurationError, optionally chaining cause.
func NewConfigurationError(message string, cause error) *ConfigurationError {
	return &ConfigurationError{&base{component: "configuration", message: message, cause: cause}}
}

// TransportError reports a failure sending to, or communicating with, the
// remote ingestion endpoint.
type TransportError struct{ *base }

// NewTransportError builds a TransportError, optionally chaining cause.
func NewTransportError(message string, cause error) *TransportError {
	return &TransportError{&base{component: "transport", message: message, cause: cause}}
}

// AuthenticationError is a TransportError subtype for 401/403 responses,
// which are terminal (non-retryable) by contract.
type AuthenticationError struct {
	*TransportError
}

// NewAuthenticationError builds an AuthenticationError, optionally chaining cause.
func NewAuthenticationError(message string, cause error) *AuthenticationError {
	return &AuthenticationError{&TransportError{&base{component: "transport", message: message, cause: cause}}}
}

// BufferError reports a failure in the hot buffer (insert, mark, sweep).
type BufferError struct{ *base }

// NewBufferError builds a BufferError, optionally chaining cause.
func NewBufferError(message string, cause error) *BufferError {
	return &BufferError{&base{component: "buffer", message: message, cause: cause}}
}

// QueueError reports a failure in the persistent queue (enqueue, dequeue,
// expiry sweep). Not present in the original Python exceptions.py; added by
// the specification since the persistent queue is a distinct durable store
// from the hot buffer and deserves its own error kind.
type QueueError struct{ *base }

// NewQueueError builds a QueueError, optionally chaining cause.
func NewQueueError(message string, cause error) *QueueError {
	return &QueueError{&base{component: "queue", message: message, cause: cause}}
}

// CollectorError reports a failure in a collector's initialize/start/stop/
// collect_events cycle.
type CollectorError struct{ *base }

// NewCollectorError builds a CollectorError, optionally chaining cause.
func NewCollectorError(message string, cause error) *CollectorError {
	return &CollectorError{&base{component: "collector", message: message, cause: cause}}
}

// HealthMonitorError reports a failure within the health monitor itself
// (not a reported unhealthy component — that's normal operation).
type HealthMonitorError struct{ *base }

// NewHealthMonitorError builds a HealthMonitorError, optionally chaining cause.
func NewHealthMonitorError(message string, cause error) *HealthMonitorError {
	return &HealthMonitorError{&base{component: "health_monitor", message: message, cause: cause}}
}

// ResourceLimitError reports an emergency resource condition (sustained
// memory or CPU violation) that the governor could not throttle away.
type ResourceLimitError struct{ *base }

// NewResourceLimitError builds a ResourceLimitError, optionally chaining cause.
func NewResourceLimitError(message string, cause error) *ResourceLimitError {
	return &ResourceLimitError{&base{component: "resource_governor", message: message, cause: cause}}
}

// Generic is the root AgentError for cross-cutting failures that don't fit
// any of the named subtypes (e.g. an uncaught supervisor-level error).
type Generic struct{ *base }

// NewGenericError builds a root AgentError, optionally chaining cause.
func NewGenericError(component, message string, cause error) *Generic {
	return &Generic{&base{component: component, message: message, cause: cause}}
}
