package credits

import "time"

// Metrics defines the interface for tracking ledger operations.
type Metrics interface {
	// RecordGrant records credits granted from a source (e.g. "lemonsqueezy", "admin").
	RecordGrant(source string, amount int)

	// RecordConsume records a consumption attempt. creditSource is empty on failure.
	RecordConsume(creditSource CreditSource, success bool)

	// RecordRefund records a refund.
	RecordRefund(creditSource CreditSource, amount int)

	// RecordProChange records Pro being switched on or off.
	RecordProChange(enabled bool)

	// RecordReplay records an operation short-circuited by an existing transaction.
	RecordReplay(operation string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordGrant(source string, amount int)                                      {}
func (n *NoopMetrics) RecordConsume(creditSource CreditSource, success bool)                      {}
func (n *NoopMetrics) RecordRefund(creditSource CreditSource, amount int)                         {}
func (n *NoopMetrics) RecordProChange(enabled bool)                                               {}
func (n *NoopMetrics) RecordReplay(operation string)                                              {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
