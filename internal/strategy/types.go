package strategy

type Reason string

const (
	ReasonSuccess        Reason = "SUCCESS"
	ReasonLowProfit      Reason = "LOW_PROFIT_VS_FEES"
	ReasonBackwardation  Reason = "BACKWARDATION"
	ReasonError          Reason = "ERROR"
	ReasonNoVolume       Reason = "NO_VOLUME"
	ReasonMissingSpot    Reason = "MISSING_SPOT_DATA"
	ReasonEntryExecuted  Reason = "ENTRY_EXECUTED"
	ReasonCircuitBreaker Reason = "CIRCUIT_BREAKER"
)

// EvalInput is everything the evaluator needs about one candidate pair.
type EvalInput struct {
	Symbol     string // swap market
	SpotSymbol string
	PriceSpot  float64
	PriceSwap  float64
	Funding    float64
	Capital    float64
}

// Decision is the evaluator verdict. Diagnostic fields are carried for
// logging and the scan summary; only Viable, Funding and Reason drive
// control flow.
type Decision struct {
	Viable  bool
	Funding float64
	Reason  Reason

	Basis           float64
	TotalFees       float64
	Hurdle          float64
	ProjectedReturn float64
	AllocationUSD   float64
}
