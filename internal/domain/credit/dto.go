package credit

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CheckBalanceRequest for POST /internal/credits/check
type CheckBalanceRequest struct {
	UserID uuid.UUID       `json:"user_id" validate:"required"`
	Amount decimal.Decimal `json:"amount" validate:"gt=0,scale=4"`
}

// CheckBalanceResponse answers whether a billable action may start
type CheckBalanceResponse struct {
	Sufficient bool            `json:"sufficient"`
	Available  decimal.Decimal `json:"available_credits"`
}

// UsageRequest for POST /internal/credits/usage
type UsageRequest struct {
	UserID        uuid.UUID       `json:"user_id" validate:"required"`
	Amount        decimal.Decimal `json:"amount" validate:"gt=0,scale=4"`
	OperationType string          `json:"operation_type" validate:"required,operation_type"`
	OperationRef  string          `json:"operation_ref" validate:"reference"`
	Description   string          `json:"description,omitempty" validate:"max=500"`
}

// PurchaseCreditsRequest for POST /internal/credits/purchases
type PurchaseCreditsRequest struct {
	UserID           uuid.UUID       `json:"user_id" validate:"required"`
	CreditsAmount    decimal.Decimal `json:"credits_amount" validate:"gt=0,scale=4"`
	BonusCredits     decimal.Decimal `json:"bonus_credits" validate:"gte=0,scale=4"`
	PackageRef       string          `json:"package_ref" validate:"max=100"`
	PaymentReference string          `json:"payment_reference" validate:"reference"`
	ExpiryDays       int             `json:"expiry_days,omitempty" validate:"gte=0,lte=3650"`
}

// GrantCreditsRequest for POST /internal/credits/grants
type GrantCreditsRequest struct {
	UserID      uuid.UUID       `json:"user_id" validate:"required"`
	Credits     decimal.Decimal `json:"credits" validate:"gt=0,scale=4"`
	BatchType   string          `json:"batch_type" validate:"grant_type"`
	Reference   string          `json:"reference" validate:"reference"`
	ExpiryDays  int             `json:"expiry_days,omitempty" validate:"gte=0,lte=3650"`
	Description string          `json:"description,omitempty" validate:"max=500"`
}

// WarningsRequest for POST /internal/credits/warnings
type WarningsRequest struct {
	LeadDays int `json:"lead_days,omitempty" validate:"gte=0,lte=90"`
}

func (r *UsageRequest) toDomain() DeductRequest {
	return DeductRequest{
		UserID:        r.UserID,
		Amount:        r.Amount,
		OperationType: r.OperationType,
		OperationRef:  r.OperationRef,
		Description:   r.Description,
	}
}

func (r *PurchaseCreditsRequest) toDomain() PurchaseRequest {
	return PurchaseRequest{
		UserID:        r.UserID,
		CreditsAmount: r.CreditsAmount,
		BonusCredits:  r.BonusCredits,
		PackageRef:    r.PackageRef,
		PaymentRef:    r.PaymentReference,
		ExpiryDays:    r.ExpiryDays,
	}
}

func (r *GrantCreditsRequest) toDomain() GrantRequest {
	return GrantRequest{
		UserID:      r.UserID,
		Credits:     r.Credits,
		BatchType:   BatchType(r.BatchType),
		Reference:   r.Reference,
		ExpiryDays:  r.ExpiryDays,
		Description: r.Description,
	}
}
