package exec

import (
	"context"
	"errors"
	"fmt"

	"cx-carry-bot/internal/gateway"
	"cx-carry-bot/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State tracks the coordinator protocol:
// Idle -> Preparing -> Dispatched -> {BothFilled, OneFilled, NoneFilled}
// -> {Committed, RolledBack}.
type State string

const (
	StateIdle       State = "IDLE"
	StatePreparing  State = "PREPARING"
	StateDispatched State = "DISPATCHED"
	StateBothFilled State = "BOTH_FILLED"
	StateOneFilled  State = "ONE_FILLED"
	StateNoneFilled State = "NONE_FILLED"
	StateCommitted  State = "COMMITTED"
	StateRolledBack State = "ROLLED_BACK"
)

var (
	// ErrNoneFilled: neither leg filled; no state changed.
	ErrNoneFilled = errors.New("neither leg filled")
	// ErrPartialExecution: exactly one leg filled and was flattened by a
	// compensating market order.
	ErrPartialExecution = errors.New("one leg filled, rolled back")
	// ErrCompensationFailed: the compensating order itself failed.
	// Residual directional exposure persists; this is fatal and never
	// retried automatically.
	ErrCompensationFailed = errors.New("compensating order failed")
)

// Leg is one side of a paired execution, bound to its venue gateway.
type Leg struct {
	Gateway    gateway.Gateway
	Venue      string // "spot" or "swap", for logging only
	Symbol     string
	Side       gateway.Side
	Amount     float64
	LimitPrice float64
}

func (l Leg) valid() error {
	if l.Gateway == nil {
		return fmt.Errorf("%s leg: gateway is required", l.Venue)
	}
	if l.Symbol == "" {
		return fmt.Errorf("%s leg: symbol is required", l.Venue)
	}
	if l.Amount <= 0 || l.LimitPrice <= 0 {
		return fmt.Errorf("%s leg: amount and limit price must be > 0", l.Venue)
	}
	return nil
}

// Result reports the terminal protocol state and both leg outcomes.
type Result struct {
	State           State
	Spot            gateway.OrderResult
	Swap            gateway.OrderResult
	SpotErr         error
	SwapErr         error
	Compensated     bool
	CompensationErr error
}

// Coordinator dispatches the two legs of a trade concurrently and runs the
// compensating-order rollback protocol on partial failure. The identical
// protocol serves entry, compounding top-up, and close; only the legs and
// the caller's post-commit ledger mutation differ.
type Coordinator struct {
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewCoordinator(log *zap.Logger, m *metrics.Metrics) *Coordinator {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Coordinator{log: log, metrics: m}
}

type legOutcome struct {
	order gateway.OrderResult
	err   error
}

// Execute submits both legs as immediate-or-cancel limit orders in a
// fork-join of exactly two goroutines and blocks until both return. The
// protocol makes no assumption about which leg completes first.
func (c *Coordinator) Execute(ctx context.Context, spot, swap Leg) (Result, error) {
	if err := spot.valid(); err != nil {
		return Result{State: StateIdle}, err
	}
	if err := swap.valid(); err != nil {
		return Result{State: StateIdle}, err
	}

	clientID := uuid.NewString()
	spotCh := make(chan legOutcome, 1)
	swapCh := make(chan legOutcome, 1)
	go c.dispatch(ctx, spot, clientID+"-spot", spotCh)
	go c.dispatch(ctx, swap, clientID+"-swap", swapCh)
	spotOut := <-spotCh
	swapOut := <-swapCh

	res := Result{
		State:   StateDispatched,
		Spot:    spotOut.order,
		Swap:    swapOut.order,
		SpotErr: spotOut.err,
		SwapErr: swapOut.err,
	}
	spotOK := legFilled(spotOut)
	swapOK := legFilled(swapOut)

	switch {
	case spotOK && swapOK:
		res.State = StateCommitted
		return res, nil
	case !spotOK && !swapOK:
		res.State = StateNoneFilled
		return res, fmt.Errorf("%w: spot=%v swap=%v", ErrNoneFilled, legFailure(spotOut), legFailure(swapOut))
	}

	// Exactly one leg filled: flatten it with a single market order.
	res.State = StateOneFilled
	filled, filledOut := spot, spotOut
	if swapOK {
		filled, filledOut = swap, swapOut
	}
	c.log.Error("partial execution, issuing compensating order",
		zap.String("venue", filled.Venue),
		zap.String("symbol", filled.Symbol),
		zap.String("side", string(filled.Side.Opposite())),
		zap.Float64("amount", filledOut.order.FilledQty),
	)
	c.metrics.Rollbacks.Inc()
	_, err := filled.Gateway.PlaceMarketOrder(ctx, filled.Symbol, filled.Side.Opposite(), filledOut.order.FilledQty)
	if err != nil {
		res.CompensationErr = err
		c.metrics.CompensationFailures.Inc()
		c.log.Error("compensating order failed, residual exposure persists",
			zap.String("venue", filled.Venue),
			zap.String("symbol", filled.Symbol),
			zap.Float64("amount", filledOut.order.FilledQty),
			zap.Error(err),
		)
		return res, fmt.Errorf("%w: %v", ErrCompensationFailed, err)
	}
	res.State = StateRolledBack
	res.Compensated = true
	return res, ErrPartialExecution
}

func (c *Coordinator) dispatch(ctx context.Context, leg Leg, clientID string, out chan<- legOutcome) {
	order, err := leg.Gateway.PlaceLimitIOC(ctx, leg.Symbol, leg.Side, leg.Amount, leg.LimitPrice, clientID)
	if err != nil {
		c.metrics.OrdersFailed.Inc()
	} else {
		c.metrics.OrdersPlaced.Inc()
	}
	out <- legOutcome{order: order, err: err}
}

func legFilled(out legOutcome) bool {
	return out.err == nil && out.order.Status.Done() && out.order.FilledQty > 0
}

func legFailure(out legOutcome) error {
	if out.err != nil {
		return out.err
	}
	return fmt.Errorf("status %s filled %.8f", out.order.Status, out.order.FilledQty)
}
