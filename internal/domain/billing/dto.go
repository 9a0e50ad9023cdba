// internal/domain/billing/dto.go
package billing

type CreateSubscriptionRequest struct {
	UserID        string        `json:"user_id" binding:"required"`
	PlanID        string        `json:"plan_id" binding:"required"`
	BillingPeriod BillingPeriod `json:"billing_period" binding:"required"`
}

type UpdateSubscriptionRequest struct {
	PlanID        *string        `json:"plan_id,omitempty"`
	BillingPeriod *BillingPeriod `json:"billing_period,omitempty"`
}

type CancelSubscriptionRequest struct {
	Immediate bool   `json:"immediate"`
	Reason    string `json:"reason"`
}
