package model

// DeriveExecutionStatus maps broker fill data onto an ExecutionStatus for
// an order of the given quantity. The returned executed quantity is clamped
// to quantity so ExecutedQuantity never exceeds Quantity.
func DeriveExecutionStatus(quantity int64, bs BrokerOrderStatus) (ExecutionStatus, int64) {
	executed := bs.ExecutedQuantity
	if executed < 0 {
		executed = 0
	}
	if executed > quantity {
		executed = quantity
	}

	switch {
	case quantity > 0 && executed == quantity:
		return ExecComplete, executed
	case bs.Rejected:
		return ExecRejected, executed
	case bs.Cancelled:
		return ExecCancelled, executed
	case executed > 0 && bs.Live:
		return ExecPartial, executed
	default:
		return ExecOpen, executed
	}
}
