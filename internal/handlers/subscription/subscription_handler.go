// internal/handlers/subscription/subscription_handler.go
package subscription

import (
	"net/http"

	"billing-service/internal/domain/billing"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/pkg/response"
	service "billing-service/internal/service/subscription"

	"github.com/gin-gonic/gin"
)

type SubscriptionHandler struct {
	lifecycle *service.LifecycleService
}

func NewSubscriptionHandler(lifecycle *service.LifecycleService) *SubscriptionHandler {
	return &SubscriptionHandler{lifecycle: lifecycle}
}

// CreateSubscription creates a pending subscription awaiting first payment.
func (h *SubscriptionHandler) CreateSubscription(c *gin.Context) {
	var req billing.CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	result, err := h.lifecycle.Create(c.Request.Context(), &req)
	if err != nil {
		response.Error(c, statusFor(err), "failed to create subscription", err)
		return
	}

	response.Success(c, http.StatusCreated, "subscription created successfully", result)
}

// GetSubscription retrieves a subscription by ID.
func (h *SubscriptionHandler) GetSubscription(c *gin.Context) {
	result, err := h.lifecycle.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, statusFor(err), "subscription not found", err)
		return
	}

	response.Success(c, http.StatusOK, "subscription retrieved", result)
}

// GetActiveSubscription retrieves the active subscription for a user.
func (h *SubscriptionHandler) GetActiveSubscription(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ValidationError(c, "user_id is required", nil)
		return
	}

	result, err := h.lifecycle.GetActiveForUser(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, statusFor(err), "no active subscription found", err)
		return
	}

	response.Success(c, http.StatusOK, "active subscription retrieved", result)
}

// UpdateSubscription applies a plan or billing-period change.
func (h *SubscriptionHandler) UpdateSubscription(c *gin.Context) {
	var req billing.UpdateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	result, err := h.lifecycle.Update(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		response.Error(c, statusFor(err), "failed to update subscription", err)
		return
	}

	response.Success(c, http.StatusOK, "subscription updated successfully", result)
}

// CancelSubscription cancels immediately or at period end.
func (h *SubscriptionHandler) CancelSubscription(c *gin.Context) {
	var req billing.CancelSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	result, err := h.lifecycle.Cancel(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		response.Error(c, statusFor(err), "failed to cancel subscription", err)
		return
	}

	response.Success(c, http.StatusOK, "subscription cancelled successfully", result)
}

func statusFor(err error) int {
	switch {
	case xerrors.Is(err, xerrors.ErrUserNotFound),
		xerrors.Is(err, xerrors.ErrPlanNotFound),
		xerrors.Is(err, xerrors.ErrSubscriptionNotFound),
		xerrors.Is(err, xerrors.ErrNotFound):
		return http.StatusNotFound
	case xerrors.Is(err, xerrors.ErrValidation), xerrors.Is(err, xerrors.ErrInvalidPeriod):
		return http.StatusBadRequest
	case xerrors.Is(err, xerrors.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
