package apiClient

import "fmt"

// TxType identifies the kind of signed transaction submitted to the exchange.
type TxType uint8

const (
	TxTypeChangePubKey    TxType = 1
	TxTypeCreateOrder     TxType = 2
	TxTypeCancelOrder     TxType = 3
	TxTypeCancelAllOrders TxType = 4
	TxTypeTransfer        TxType = 5
	TxTypeWithdraw        TxType = 6
	TxTypeUpdateLeverage  TxType = 7
)

func (t TxType) String() string {
	switch t {
	case TxTypeChangePubKey:
		return "changePubKey"
	case TxTypeCreateOrder:
		return "createOrder"
	case TxTypeCancelOrder:
		return "cancelOrder"
	case TxTypeCancelAllOrders:
		return "cancelAllOrders"
	case TxTypeTransfer:
		return "transfer"
	case TxTypeWithdraw:
		return "withdraw"
	case TxTypeUpdateLeverage:
		return "updateLeverage"
	default:
		return fmt.Sprintf("txType(%d)", uint8(t))
	}
}

// TxStatus is the exchange-side lifecycle status of a submitted transaction.
// The integer values are part of the wire protocol and must not change.
type TxStatus int32

const (
	TxStatusPending   TxStatus = 0
	TxStatusQueued    TxStatus = 1
	TxStatusCommitted TxStatus = 2
	TxStatusExecuted  TxStatus = 3
	TxStatusFailed    TxStatus = 4
	TxStatusRejected  TxStatus = 5
)

func (s TxStatus) String() string {
	switch s {
	case TxStatusPending:
		return "pending"
	case TxStatusQueued:
		return "queued"
	case TxStatusCommitted:
		return "committed"
	case TxStatusExecuted:
		return "executed"
	case TxStatusFailed:
		return "failed"
	case TxStatusRejected:
		return "rejected"
	default:
		return fmt.Sprintf("txStatus(%d)", int32(s))
	}
}

// IsTerminal reports whether no further status transition can occur.
func (s TxStatus) IsTerminal() bool {
	switch s {
	case TxStatusExecuted, TxStatusFailed, TxStatusRejected:
		return true
	default:
		return false
	}
}

// TransactionRecord is the server-side view of a submitted transaction.
// Records are created and mutated by the exchange; this client only reads them.
type TransactionRecord struct {
	Hash         string   `json:"hash"`
	Type         TxType   `json:"type"`
	Status       TxStatus `json:"status"`
	BlockHeight  int64    `json:"block_height"`
	AccountIndex int64    `json:"account_index"`
	Nonce        int64    `json:"nonce"`
	// Info is the raw transaction payload as echoed back by the exchange.
	Info string `json:"info"`
	// EventInfo carries execution events; on failed or rejected transactions
	// it embeds a further-encoded error object. See confirm.DecodeExecutionError.
	EventInfo   string `json:"event_info"`
	CreatedAt   int64  `json:"created_at"`
	CommittedAt int64  `json:"committed_at"`
}
