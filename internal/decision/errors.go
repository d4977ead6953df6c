package decision

import (
	"errors"
	"fmt"
)

// 中文说明：
// 错误分类采用固定的五类 Kind，所有拒绝与失败都归入其中，
// 调用方按 Kind 决定重试策略，按 Reason 做精确匹配。

// Kind 是错误的大类。
type Kind int

const (
	KindNone Kind = iota
	KindValidation
	KindSafety
	KindConcurrency
	KindExternalAPI
	KindDataIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindSafety:
		return "safety_rejection"
	case KindConcurrency:
		return "concurrency_conflict"
	case KindExternalAPI:
		return "external_api_error"
	case KindDataIntegrity:
		return "data_integrity_error"
	default:
		return "none"
	}
}

// ParseKind 解析分类名，未知值返回 KindNone。
func ParseKind(raw string) Kind {
	switch raw {
	case "validation_error":
		return KindValidation
	case "safety_rejection":
		return KindSafety
	case "concurrency_conflict":
		return KindConcurrency
	case "external_api_error":
		return KindExternalAPI
	case "data_integrity_error":
		return KindDataIntegrity
	default:
		return KindNone
	}
}

// Retryable 表示同类请求稍后重试是否可能成功。
func (k Kind) Retryable() bool {
	switch k {
	case KindConcurrency, KindExternalAPI:
		return true
	default:
		return false
	}
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

// 拒绝原因常量。每个前置检查失败对应唯一 reason，方便测试与告警匹配。
const (
	ReasonBotNotFound         = "bot_not_found"
	ReasonBotDisabled         = "bot_disabled"
	ReasonSizeBelowMin        = "size_below_min"
	ReasonSizeAboveMax        = "size_above_max"
	ReasonTemperatureTooLow   = "temperature_too_low"
	ReasonDailyTradesExceeded = "daily_trades_exceeded"
	ReasonDailyLossExceeded   = "daily_loss_exceeded"
	ReasonPendingTradeExists  = "pending_trade_exists"
	ReasonCooldownActive      = "cooldown_active"
	ReasonTradeInProgress     = "trade_in_progress"
	ReasonBrokerError         = "broker_error"
	ReasonNoMarketPrice       = "no_market_price"
	ReasonMarketDataError     = "market_data_error"
	ReasonInvalidRequest      = "invalid_request"
	ReasonConfigInvalid       = "config_invalid"
	ReasonStorageError        = "storage_error"
)

// Reject 携带类别与原因的错误。Detail 是给人看的补充信息。
type Reject struct {
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
	cause  error
}

func (r *Reject) Error() string {
	if r.Detail != "" {
		return fmt.Sprintf("%s/%s: %s", r.Kind, r.Reason, r.Detail)
	}
	return fmt.Sprintf("%s/%s", r.Kind, r.Reason)
}

func (r *Reject) Unwrap() error { return r.cause }

// NewReject 构造一个无底层错误的拒绝。
func NewReject(kind Kind, reason, detail string) *Reject {
	return &Reject{Kind: kind, Reason: reason, Detail: detail}
}

// WrapReject 在底层错误上套一层分类，保留 errors.Is/As 链。
func WrapReject(kind Kind, reason string, cause error) *Reject {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	return &Reject{Kind: kind, Reason: reason, Detail: detail, cause: cause}
}

// AsReject 从错误链中提取 *Reject；普通错误归为 external_api_error。
func AsReject(err error) *Reject {
	if err == nil {
		return nil
	}
	var rej *Reject
	if errors.As(err, &rej) {
		return rej
	}
	return &Reject{Kind: KindExternalAPI, Reason: ReasonBrokerError, Detail: err.Error(), cause: err}
}
