package mapper

import (
	"time"

	"github.com/vibast-solutions/ms-go-checkout/app/checkout"
	"github.com/vibast-solutions/ms-go-checkout/app/entity"
	"github.com/vibast-solutions/ms-go-checkout/app/rail"
	"github.com/vibast-solutions/ms-go-checkout/app/service"
	"github.com/vibast-solutions/ms-go-checkout/app/types"
)

func SessionToResponse(item *checkout.Session) *types.SessionResponse {
	if item == nil {
		return nil
	}

	resp := &types.SessionResponse{
		Id:           item.ID,
		ProductId:    item.ProductID,
		ProductTitle: item.ProductTitle,
		AmountCents:  item.AmountCents,
		Currency:     item.Currency,
		State:        item.State.String(),
		Rail:         railName(item.Rail),
		UpiEnabled:   item.UPIEnabled,
		AttemptCount: item.AttemptCount,
		CreatedAt:    item.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    item.UpdatedAt.UTC().Format(time.RFC3339),
	}

	if item.Customer.Complete() {
		resp.Customer = &types.CustomerInfoResponse{
			Name:  item.Customer.Name,
			Email: item.Customer.Email,
			Phone: item.Customer.Phone,
		}
	}

	if item.LastFailure.Kind != checkout.FailureNone {
		resp.LastFailure = &types.FailureResponse{
			Kind:    item.LastFailure.Kind.String(),
			Message: item.LastFailure.Message,
		}
	}

	return resp
}

func OrderToResponse(item *entity.Order) *types.OrderResponse {
	if item == nil {
		return nil
	}

	return &types.OrderResponse{
		Id:            item.ID,
		SessionId:     item.SessionID,
		ProductId:     item.ProductID,
		ProductTitle:  item.ProductTitleSnapshot,
		DocumentCount: item.DocumentCount,
		CustomerName:  item.CustomerName,
		CustomerEmail: item.CustomerEmail,
		CustomerPhone: item.CustomerPhone,
		AmountCents:   item.AmountCents,
		Currency:      item.Currency,
		Rail:          railName(item.Rail),
		PaymentRef:    item.ExternalPaymentRef,
		Status:        orderStatusName(item.Status),
		LedgerStatus:  ledgerStatusName(item.LedgerStatus),
		CreatedAt:     item.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     item.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func AttemptOutputToResponse(item *service.AttemptOutput) *types.AttemptResponse {
	if item == nil {
		return nil
	}

	resp := &types.AttemptResponse{
		Session:       SessionToResponse(item.Session),
		Order:         OrderToResponse(item.Order),
		PaymentUri:    item.PaymentURI,
		QrImageUrl:    item.QRImageURL,
		FailureReason: item.FailureReason,
	}
	if item.SettlementDeadline != nil {
		resp.SettlementDeadline = item.SettlementDeadline.UTC().Format(time.RFC3339)
	}

	return resp
}

func railName(code int32) string {
	switch code {
	case rail.CodeCard:
		return "card"
	case rail.CodeDeepLink:
		return "upi"
	default:
		return ""
	}
}

func orderStatusName(status int32) string {
	switch status {
	case entity.OrderStatusPending:
		return "pending"
	case entity.OrderStatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

func ledgerStatusName(status int32) string {
	switch status {
	case entity.LedgerStatusPending:
		return "pending"
	case entity.LedgerStatusRecorded:
		return "recorded"
	case entity.LedgerStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}
