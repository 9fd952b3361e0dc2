package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kvanhimbergen/execution-v2/internal/domain"
	"github.com/kvanhimbergen/execution-v2/internal/ports"
)

var _ ports.BrokerAdapter = (*PaperSimBroker)(nil)

// PaperSimBroker is a local fill simulator that touches no broker
// account: a bracket fills immediately at its limit price, or at the
// last-trade price from the wired MarketDataProvider when it has no limit
// price; SubmitStop records the stop as an open order without filling
// it. It exists for offline backtests
// and CI runs where even Alpaca's paper endpoint is undesirable network
// dependency (§9).
type PaperSimBroker struct {
	md        ports.MarketDataProvider
	equity    decimal.Decimal
	log       *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	positions map[string]domain.BrokerPosition
	orders    map[string]domain.BrokerOrder
}

// NewPaperSim constructs a PaperSimBroker with a starting equity used
// for GetAccountEquity.
func NewPaperSim(md ports.MarketDataProvider, startingEquity decimal.Decimal, log *slog.Logger, now func() time.Time) *PaperSimBroker {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &PaperSimBroker{
		md:        md,
		equity:    startingEquity,
		log:       log,
		now:       now,
		positions: make(map[string]domain.BrokerPosition),
		orders:    make(map[string]domain.BrokerOrder),
	}
}

func (b *PaperSimBroker) Mode() domain.ExecutionMode { return domain.ModePaperSim }

func (b *PaperSimBroker) nextOrderID() string {
	return "papersim-" + uuid.New().String()
}

func (b *PaperSimBroker) fillPrice(ctx context.Context, symbol string, limit decimal.Decimal) (decimal.Decimal, error) {
	if !limit.IsZero() {
		return limit, nil
	}
	trade, err := b.md.LastTrade(ctx, symbol)
	if err != nil {
		return decimal.Zero, &domain.BrokerError{Kind: domain.BrokerTransient, Op: "fillPrice", Err: err}
	}
	return trade.Price, nil
}

func (b *PaperSimBroker) SubmitBracket(ctx context.Context, req domain.BracketRequest) (domain.BrokerOrder, error) {
	price, err := b.fillPrice(ctx, req.Symbol, req.LimitPrice)
	if err != nil {
		return domain.BrokerOrder{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	order := domain.BrokerOrder{
		OrderID:        b.nextOrderID(),
		ClientOrderID:  req.ClientOrderID,
		Symbol:         req.Symbol,
		Quantity:       req.Quantity,
		FilledQty:      req.Quantity,
		FilledAvgPrice: price,
		Status:         domain.OrderStatusFilled,
		SubmittedAt:    b.now().UTC(),
	}
	b.orders[order.OrderID] = order

	pos := b.positions[req.Symbol]
	newQty := pos.Quantity + req.Quantity
	if newQty > 0 {
		totalCost := pos.AvgEntry.Mul(decimal.NewFromInt(pos.Quantity)).Add(price.Mul(decimal.NewFromInt(req.Quantity)))
		pos.AvgEntry = totalCost.Div(decimal.NewFromInt(newQty))
	}
	pos.Symbol = req.Symbol
	pos.Quantity = newQty
	b.positions[req.Symbol] = pos

	b.log.Info("paper_sim: bracket filled", "symbol", req.Symbol, "qty", req.Quantity, "price", price.String())
	return order, nil
}

func (b *PaperSimBroker) SubmitStop(ctx context.Context, req domain.StopRequest) (domain.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	order := domain.BrokerOrder{
		OrderID:       b.nextOrderID(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Quantity:      req.Quantity,
		Status:        domain.OrderStatusOpen,
		SubmittedAt:   b.now().UTC(),
	}
	b.orders[order.OrderID] = order
	b.log.Info("paper_sim: stop resting", "symbol", req.Symbol, "qty", req.Quantity, "stop", req.StopPrice.String())
	return order, nil
}

func (b *PaperSimBroker) Cancel(ctx context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.orders[orderID]; ok {
		o.Status = domain.OrderStatusCancelled
		b.orders[orderID] = o
	}
	return nil
}

func (b *PaperSimBroker) ListOpenOrders(ctx context.Context, symbol string) ([]domain.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.BrokerOrder
	for _, o := range b.orders {
		if o.Status != domain.OrderStatusOpen {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (b *PaperSimBroker) ListPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.BrokerPosition, 0, len(b.positions))
	for _, p := range b.positions {
		if p.Quantity > 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

func (b *PaperSimBroker) GetAccountEquity(ctx context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, _ := b.equity.Float64()
	return f, nil
}

func (b *PaperSimBroker) MarketClock(ctx context.Context) (domain.MarketClock, error) {
	return b.md.MarketClock(ctx)
}
