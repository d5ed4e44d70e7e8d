package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fulfillment-service/internal/domain"
)

// PaymentProvider is the strategy interface for payment gateways. Provider
// selection is by capability match against the requested payment method.
type PaymentProvider interface {
	Name() string
	Supports(method domain.PaymentMethod) bool
	Charge(ctx context.Context, amount decimal.Decimal, currency, token string) (string, error)
	Refund(ctx context.Context, transactionID string, amount decimal.Decimal) (string, error)
}

// ProviderError means the gateway rejected the charge: a business failure
// recorded as Payment.FAILED, never swallowed.
type ProviderError struct {
	Provider string
	Reason   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Reason)
}

// DeclinedTokenPrefix marks payment tokens the mock gateways decline,
// letting integration flows exercise the compensation path.
const DeclinedTokenPrefix = "tok_declined"

// CardGateway is a mock card processor supporting credit and debit cards.
type CardGateway struct {
	limit decimal.Decimal
}

// NewCardGateway creates the mock card gateway with a per-charge limit.
func NewCardGateway() *CardGateway {
	return &CardGateway{limit: decimal.NewFromInt(10000)}
}

func (g *CardGateway) Name() string { return "mockcard" }

func (g *CardGateway) Supports(method domain.PaymentMethod) bool {
	return method == domain.PaymentMethodCreditCard || method == domain.PaymentMethodDebitCard
}

func (g *CardGateway) Charge(ctx context.Context, amount decimal.Decimal, currency, token string) (string, error) {
	if strings.HasPrefix(token, DeclinedTokenPrefix) {
		return "", &ProviderError{Provider: g.Name(), Reason: "card declined"}
	}
	if amount.GreaterThan(g.limit) {
		return "", &ProviderError{Provider: g.Name(), Reason: "amount exceeds charge limit"}
	}
	return newTransactionID(), nil
}

func (g *CardGateway) Refund(ctx context.Context, transactionID string, amount decimal.Decimal) (string, error) {
	if transactionID == "" {
		return "", &ProviderError{Provider: g.Name(), Reason: "unknown transaction"}
	}
	return newTransactionID(), nil
}

// WalletGateway is a mock wallet/bank-transfer processor.
type WalletGateway struct{}

// NewWalletGateway creates the mock wallet gateway.
func NewWalletGateway() *WalletGateway {
	return &WalletGateway{}
}

func (g *WalletGateway) Name() string { return "mockwallet" }

func (g *WalletGateway) Supports(method domain.PaymentMethod) bool {
	return method == domain.PaymentMethodWallet || method == domain.PaymentMethodBankTransfer
}

func (g *WalletGateway) Charge(ctx context.Context, amount decimal.Decimal, currency, token string) (string, error) {
	if strings.HasPrefix(token, DeclinedTokenPrefix) {
		return "", &ProviderError{Provider: g.Name(), Reason: "insufficient wallet balance"}
	}
	return newTransactionID(), nil
}

func (g *WalletGateway) Refund(ctx context.Context, transactionID string, amount decimal.Decimal) (string, error) {
	if transactionID == "" {
		return "", &ProviderError{Provider: g.Name(), Reason: "unknown transaction"}
	}
	return newTransactionID(), nil
}

func newTransactionID() string {
	return "TXN-" + strings.ToUpper(uuid.New().String()[:8])
}
