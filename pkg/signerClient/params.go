package signerClient

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-exchange/signer-go/pkg/apiClient"
)

const (
	// USDCDecimals is the fixed-point scale of every USDC-denominated wire
	// field: human amounts are multiplied by 10^6 before signing.
	USDCDecimals = 6

	// DefaultOrderExpiry is applied to good-till-time orders whose params
	// carry a zero expiry. The signer validates absolute timestamps only, so
	// the conversion to an absolute time happens here, before signing.
	DefaultOrderExpiry = 28 * 24 * time.Hour

	// NilTriggerPrice is the wire sentinel for "no trigger price".
	NilTriggerPrice int64 = 0
)

var usdcScale = decimal.New(1, USDCDecimals)

// scaleUSDC converts a human-unit amount to its fixed-point wire integer.
func scaleUSDC(amount decimal.Decimal) int64 {
	return amount.Mul(usdcScale).Round(0).IntPart()
}

// OrderType selects the matching behavior of a created order.
type OrderType uint8

const (
	OrderTypeLimit      OrderType = 0
	OrderTypeMarket     OrderType = 1
	OrderTypeStopLoss   OrderType = 2
	OrderTypeTakeProfit OrderType = 3
)

// TimeInForce selects how long a resting order stays on the book.
type TimeInForce uint8

const (
	ImmediateOrCancel TimeInForce = 0
	GoodTillTime      TimeInForce = 1
	PostOnly          TimeInForce = 2
)

// CreateOrderParams are the human-unit parameters of a create-order
// transaction. Price, BaseAmount and TriggerPrice are scaled to fixed-point
// wire integers during materialization.
type CreateOrderParams struct {
	MarketIndex      uint8
	ClientOrderIndex int64
	BaseAmount       decimal.Decimal
	Price            decimal.Decimal
	IsAsk            bool
	Type             OrderType
	TimeInForce      TimeInForce
	// ReduceOnly restricts execution to shrinking an existing position.
	ReduceOnly bool
	// TriggerPrice activates stop/take-profit orders; the zero value means
	// no trigger.
	TriggerPrice decimal.Decimal
	// Expiry applies to good-till-time orders; the zero value means
	// DefaultOrderExpiry from now.
	Expiry time.Time
}

// CancelOrderParams cancel one resting order.
type CancelOrderParams struct {
	MarketIndex uint8
	OrderIndex  int64
}

// CancelAllParams cancel every resting order of the account. A non-zero
// ScheduledAt arms a dead-man's-switch cancel at that time instead of an
// immediate one.
type CancelAllParams struct {
	ScheduledAt time.Time
}

// TransferParams move USDC to another account on the exchange.
type TransferParams struct {
	ToAccountIndex int64
	Amount         decimal.Decimal
}

// WithdrawParams move USDC out to the underlying chain.
type WithdrawParams struct {
	Amount decimal.Decimal
}

// UpdateLeverageParams change the leverage of one market.
type UpdateLeverageParams struct {
	MarketIndex uint8
	Leverage    uint32
}

// ChangePubKeyParams rotate the account's API signing key.
type ChangePubKeyParams struct {
	NewPubKey string
}

// Request is one submission. Exactly one params field matching Kind must be
// set. Requests are immutable once handed to Submit.
type Request struct {
	Kind apiClient.TxType

	CreateOrder    *CreateOrderParams
	CancelOrder    *CancelOrderParams
	CancelAll      *CancelAllParams
	Transfer       *TransferParams
	Withdraw       *WithdrawParams
	UpdateLeverage *UpdateLeverageParams
	ChangePubKey   *ChangePubKeyParams

	// NonceOverride bypasses the nonce cache when non-nil.
	NonceOverride *int64
}

// Wire forms. All monetary fields are fixed-point integers; expiries are
// absolute unix milliseconds.

type createOrderInfo struct {
	MarketIndex      uint8 `json:"market_index"`
	ClientOrderIndex int64 `json:"client_order_index"`
	BaseAmount       int64 `json:"base_amount"`
	Price            int64 `json:"price"`
	IsAsk            bool  `json:"is_ask"`
	Type             uint8 `json:"type"`
	TimeInForce      uint8 `json:"time_in_force"`
	ReduceOnly       bool  `json:"reduce_only"`
	TriggerPrice     int64 `json:"trigger_price"`
	ExpiredAt        int64 `json:"expired_at"`
}

type cancelOrderInfo struct {
	MarketIndex uint8 `json:"market_index"`
	OrderIndex  int64 `json:"order_index"`
}

type cancelAllInfo struct {
	ScheduledAt int64 `json:"scheduled_at"`
}

type transferInfo struct {
	ToAccountIndex int64 `json:"to_account_index"`
	Amount         int64 `json:"amount"`
}

type withdrawInfo struct {
	Amount int64 `json:"amount"`
}

type updateLeverageInfo struct {
	MarketIndex uint8  `json:"market_index"`
	Leverage    uint32 `json:"leverage"`
}

type changePubKeyInfo struct {
	NewPubKey string `json:"new_pub_key"`
}

// materialize validates the request and produces the wire-form parameter
// bytes handed to the signer: scaled fixed-point integers, trigger-price
// sentinel, and absolute expiry timestamps.
func (r *Request) materialize(now time.Time) (apiClient.TxType, []byte, error) {
	var (
		info any
		err  error
	)

	switch r.Kind {
	case apiClient.TxTypeCreateOrder:
		if r.CreateOrder == nil {
			return 0, nil, fmt.Errorf("create-order request has no parameters")
		}
		info, err = r.CreateOrder.wireForm(now)

	case apiClient.TxTypeCancelOrder:
		if r.CancelOrder == nil {
			return 0, nil, fmt.Errorf("cancel-order request has no parameters")
		}
		info = &cancelOrderInfo{
			MarketIndex: r.CancelOrder.MarketIndex,
			OrderIndex:  r.CancelOrder.OrderIndex,
		}

	case apiClient.TxTypeCancelAllOrders:
		if r.CancelAll == nil {
			return 0, nil, fmt.Errorf("cancel-all request has no parameters")
		}
		wire := &cancelAllInfo{}
		if !r.CancelAll.ScheduledAt.IsZero() {
			wire.ScheduledAt = r.CancelAll.ScheduledAt.UnixMilli()
		}
		info = wire

	case apiClient.TxTypeTransfer:
		if r.Transfer == nil {
			return 0, nil, fmt.Errorf("transfer request has no parameters")
		}
		if !r.Transfer.Amount.IsPositive() {
			return 0, nil, fmt.Errorf("transfer amount must be positive, got %s", r.Transfer.Amount)
		}
		info = &transferInfo{
			ToAccountIndex: r.Transfer.ToAccountIndex,
			Amount:         scaleUSDC(r.Transfer.Amount),
		}

	case apiClient.TxTypeWithdraw:
		if r.Withdraw == nil {
			return 0, nil, fmt.Errorf("withdraw request has no parameters")
		}
		if !r.Withdraw.Amount.IsPositive() {
			return 0, nil, fmt.Errorf("withdraw amount must be positive, got %s", r.Withdraw.Amount)
		}
		info = &withdrawInfo{Amount: scaleUSDC(r.Withdraw.Amount)}

	case apiClient.TxTypeUpdateLeverage:
		if r.UpdateLeverage == nil {
			return 0, nil, fmt.Errorf("update-leverage request has no parameters")
		}
		if r.UpdateLeverage.Leverage == 0 {
			return 0, nil, fmt.Errorf("leverage must be positive")
		}
		info = &updateLeverageInfo{
			MarketIndex: r.UpdateLeverage.MarketIndex,
			Leverage:    r.UpdateLeverage.Leverage,
		}

	case apiClient.TxTypeChangePubKey:
		if r.ChangePubKey == nil {
			return 0, nil, fmt.Errorf("change-key request has no parameters")
		}
		if r.ChangePubKey.NewPubKey == "" {
			return 0, nil, fmt.Errorf("new public key is required")
		}
		info = &changePubKeyInfo{NewPubKey: r.ChangePubKey.NewPubKey}

	default:
		return 0, nil, fmt.Errorf("unknown transaction kind %d", r.Kind)
	}
	if err != nil {
		return 0, nil, err
	}

	raw, err := json.Marshal(info)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode %s parameters: %w", r.Kind, err)
	}
	return r.Kind, raw, nil
}

func (p *CreateOrderParams) wireForm(now time.Time) (*createOrderInfo, error) {
	if !p.BaseAmount.IsPositive() {
		return nil, fmt.Errorf("order base amount must be positive, got %s", p.BaseAmount)
	}
	if p.Type != OrderTypeMarket && !p.Price.IsPositive() {
		return nil, fmt.Errorf("order price must be positive, got %s", p.Price)
	}

	triggerPrice := NilTriggerPrice
	switch p.Type {
	case OrderTypeStopLoss, OrderTypeTakeProfit:
		if !p.TriggerPrice.IsPositive() {
			return nil, fmt.Errorf("%s order requires a trigger price", orderTypeName(p.Type))
		}
		triggerPrice = scaleUSDC(p.TriggerPrice)
	default:
		if p.TriggerPrice.IsPositive() {
			return nil, fmt.Errorf("trigger price is only valid on stop-loss and take-profit orders")
		}
	}

	var expiredAt int64
	if p.TimeInForce == GoodTillTime {
		expiry := p.Expiry
		if expiry.IsZero() {
			expiry = now.Add(DefaultOrderExpiry)
		}
		if !expiry.After(now) {
			return nil, fmt.Errorf("order expiry %s is in the past", expiry)
		}
		expiredAt = expiry.UnixMilli()
	}

	return &createOrderInfo{
		MarketIndex:      p.MarketIndex,
		ClientOrderIndex: p.ClientOrderIndex,
		BaseAmount:       scaleUSDC(p.BaseAmount),
		Price:            scaleUSDC(p.Price),
		IsAsk:            p.IsAsk,
		Type:             uint8(p.Type),
		TimeInForce:      uint8(p.TimeInForce),
		ReduceOnly:       p.ReduceOnly,
		TriggerPrice:     triggerPrice,
		ExpiredAt:        expiredAt,
	}, nil
}

func orderTypeName(t OrderType) string {
	switch t {
	case OrderTypeLimit:
		return "limit"
	case OrderTypeMarket:
		return "market"
	case OrderTypeStopLoss:
		return "stop-loss"
	case OrderTypeTakeProfit:
		return "take-profit"
	default:
		return fmt.Sprintf("orderType(%d)", uint8(t))
	}
}
