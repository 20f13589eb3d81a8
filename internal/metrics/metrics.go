package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	OrdersPlaced         Counter
	OrdersFailed         Counter
	EntriesCommitted     Counter
	CompoundsCommitted   Counter
	ClosesCommitted      Counter
	Rollbacks            Counter
	CompensationFailures Counter
	FundingAccruals      Counter
	CircuitBreakerTrips  Counter
	ScanCycles           Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersPlaced:         n,
		OrdersFailed:         n,
		EntriesCommitted:     n,
		CompoundsCommitted:   n,
		ClosesCommitted:      n,
		Rollbacks:            n,
		CompensationFailures: n,
		FundingAccruals:      n,
		CircuitBreakerTrips:  n,
		ScanCycles:           n,
	}
}
