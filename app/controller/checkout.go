package controller

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/vibast-solutions/ms-go-checkout/app/checkout"
	"github.com/vibast-solutions/ms-go-checkout/app/factory"
	"github.com/vibast-solutions/ms-go-checkout/app/mapper"
	"github.com/vibast-solutions/ms-go-checkout/app/rail"
	"github.com/vibast-solutions/ms-go-checkout/app/service"
	"github.com/vibast-solutions/ms-go-checkout/app/types"
)

type CheckoutController struct {
	checkoutService *service.CheckoutService
	logger          logrus.FieldLogger
}

func NewCheckoutController(checkoutService *service.CheckoutService) *CheckoutController {
	return &CheckoutController{
		checkoutService: checkoutService,
		logger:          factory.NewModuleLogger("checkout-controller"),
	}
}

func (c *CheckoutController) Health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, &types.HealthResponse{Status: "ok"})
}

func (c *CheckoutController) StartSession(ctx echo.Context) error {
	req, err := types.NewStartSessionRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	session, err := c.checkoutService.StartSession(ctx.Request().Context(), req.ProductId)
	if err != nil {
		return c.writeServiceError(ctx, err, "Start session failed")
	}

	return ctx.JSON(http.StatusCreated, &types.SessionEnvelopeResponse{Session: mapper.SessionToResponse(session)})
}

func (c *CheckoutController) GetSession(ctx echo.Context) error {
	req, err := types.NewGetSessionRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	session, err := c.checkoutService.GetSession(ctx.Request().Context(), req.Id)
	if err != nil {
		return c.writeServiceError(ctx, err, "Get session failed")
	}

	return ctx.JSON(http.StatusOK, &types.SessionEnvelopeResponse{Session: mapper.SessionToResponse(session)})
}

func (c *CheckoutController) SubmitCustomerInfo(ctx echo.Context) error {
	req, err := types.NewSubmitCustomerInfoRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	session, err := c.checkoutService.SubmitCustomerInfo(ctx.Request().Context(), req.Id, checkout.CustomerInfo{
		Name:  req.Name,
		Email: req.Email,
		Phone: req.Phone,
	})
	if err != nil {
		return c.writeServiceError(ctx, err, "Submit customer info failed")
	}

	return ctx.JSON(http.StatusOK, &types.SessionEnvelopeResponse{Session: mapper.SessionToResponse(session)})
}

func (c *CheckoutController) SelectRail(ctx echo.Context) error {
	req, err := types.NewSelectRailRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	session, err := c.checkoutService.SelectRail(ctx.Request().Context(), req.Id, req.RailCode)
	if err != nil {
		return c.writeServiceError(ctx, err, "Select rail failed")
	}

	return ctx.JSON(http.StatusOK, &types.SessionEnvelopeResponse{Session: mapper.SessionToResponse(session)})
}

func (c *CheckoutController) Attempt(ctx echo.Context) error {
	req, err := types.NewAttemptRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	output, err := c.checkoutService.Attempt(ctx.Request().Context(), req.Id, req.CardDetails())
	if err != nil {
		return c.writeServiceError(ctx, err, "Payment attempt failed")
	}

	return ctx.JSON(http.StatusOK, mapper.AttemptOutputToResponse(output))
}

func (c *CheckoutController) Retry(ctx echo.Context) error {
	req, err := types.NewRetryRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	session, err := c.checkoutService.Retry(ctx.Request().Context(), req.Id)
	if err != nil {
		return c.writeServiceError(ctx, err, "Retry failed")
	}

	return ctx.JSON(http.StatusOK, &types.SessionEnvelopeResponse{Session: mapper.SessionToResponse(session)})
}

func (c *CheckoutController) GetOrderBySession(ctx echo.Context) error {
	req, err := types.NewGetOrderRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	order, err := c.checkoutService.GetOrderBySession(ctx.Request().Context(), req.SessionId)
	if err != nil {
		return c.writeServiceError(ctx, err, "Get order failed")
	}

	return ctx.JSON(http.StatusOK, &types.OrderEnvelopeResponse{Order: mapper.OrderToResponse(order)})
}

func (c *CheckoutController) GetOrder(ctx echo.Context) error {
	req, err := types.NewGetOrderByIDRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	order, err := c.checkoutService.GetOrder(ctx.Request().Context(), req.Id)
	if err != nil {
		return c.writeServiceError(ctx, err, "Get order failed")
	}

	return ctx.JSON(http.StatusOK, &types.OrderEnvelopeResponse{Order: mapper.OrderToResponse(order)})
}

func (c *CheckoutController) HandleSettlementWebhook(ctx echo.Context) error {
	req, err := types.NewSettlementWebhookRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	if err := c.checkoutService.HandleSettlementWebhook(ctx.Request().Context(), req.RailCode, req.AttemptRef, req.Payload, req.Signature); err != nil {
		return c.writeServiceError(ctx, err, "Handle settlement webhook failed")
	}

	return ctx.JSON(http.StatusOK, &types.MessageResponse{Message: "Settlement resolution processed"})
}

func (c *CheckoutController) writeServiceError(ctx echo.Context, err error, logMessage string) error {
	var validationErr *rail.ValidationError

	switch {
	case errors.As(err, &validationErr):
		return c.writeError(ctx, http.StatusBadRequest, validationErr.Error())
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrMissingCustomerInfo),
		errors.Is(err, service.ErrRailUnsupported),
		errors.Is(err, service.ErrWebhookRejected),
		errors.Is(err, checkout.ErrInvalidTransition):
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrSessionNotFound):
		return c.writeError(ctx, http.StatusNotFound, "session not found")
	case errors.Is(err, service.ErrProductNotFound):
		return c.writeError(ctx, http.StatusNotFound, "product not found")
	case errors.Is(err, service.ErrOrderNotFound):
		return c.writeError(ctx, http.StatusNotFound, "order not found")
	case errors.Is(err, service.ErrAttemptInFlight):
		return c.writeError(ctx, http.StatusConflict, err.Error())
	case errors.Is(err, rail.ErrRailUnavailable):
		return c.writeError(ctx, http.StatusServiceUnavailable, "payment rail temporarily unavailable")
	case errors.Is(err, service.ErrOrderNotRecorded):
		// The charge went through but nothing durable exists. The shopper must
		// see that money moved; a generic 500 would invite a second charge.
		c.logger.WithError(err).Error(logMessage)
		return c.writeError(ctx, http.StatusBadGateway, "payment succeeded but the order could not be recorded; do not retry payment, contact support")
	case errors.Is(err, service.ErrLedgerNotRecorded):
		c.logger.WithError(err).Error(logMessage)
		return c.writeError(ctx, http.StatusBadGateway, "order recorded; ledger entry pending retry")
	default:
		c.logger.WithError(err).Error(logMessage)
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}
}

func (c *CheckoutController) writeError(ctx echo.Context, statusCode int, message string) error {
	return ctx.JSON(statusCode, &types.ErrorResponse{Error: message})
}
