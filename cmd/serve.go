package cmd

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vibast-solutions/ms-go-checkout/app/checkout"
	"github.com/vibast-solutions/ms-go-checkout/app/controller"
	"github.com/vibast-solutions/ms-go-checkout/app/notification"
	"github.com/vibast-solutions/ms-go-checkout/app/rail"
	"github.com/vibast-solutions/ms-go-checkout/app/repository"
	"github.com/vibast-solutions/ms-go-checkout/app/service"
	"github.com/vibast-solutions/ms-go-checkout/app/settlement"
	"github.com/vibast-solutions/ms-go-checkout/app/types"
	"github.com/vibast-solutions/ms-go-checkout/config"

	_ "github.com/go-sql-driver/mysql"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long:  "Start the HTTP (Echo) server plus the in-process settlement expiry sweeper.",
	Run:   runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) {
	cfg, checkoutService, cleanup := mustCreateCheckoutService()
	defer cleanup()

	checkoutController := controller.NewCheckoutController(checkoutService)
	e := setupHTTPServer(checkoutController)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Sessions live in this process, so the expiry sweeper has to run here
	// too; a detached job could never see them.
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		httpAddr := net.JoinHostPort(cfg.HTTP.Host, cfg.HTTP.Port)
		logrus.WithField("addr", httpAddr).Info("Starting HTTP server")
		if err := e.Start(httpAddr); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		ticker := time.NewTicker(cfg.Jobs.ExpireSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				if err := checkoutService.RunExpireSweep(groupCtx); err != nil {
					logrus.WithError(err).Warn("Expire sweep failed")
				}
			}
		}
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logrus.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logrus.WithError(err).Fatal("Server error")
	}
	logrus.Info("Server stopped")
}

func setupHTTPServer(checkoutController *controller.CheckoutController) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogRemoteIP:  true,
		LogLatency:   true,
		LogUserAgent: true,
		LogError:     true,
		HandleError:  true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v echomiddleware.RequestLoggerValues) error {
			fields := logrus.Fields{
				"remote_ip":  v.RemoteIP,
				"host":       v.Host,
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency":    v.Latency.String(),
				"latency_ns": v.Latency.Nanoseconds(),
				"user_agent": v.UserAgent,
			}
			entry := logrus.WithFields(fields)
			if v.Error != nil {
				entry = entry.WithError(v.Error)
			}
			entry.Info("http_request")
			return nil
		},
	}))
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())

	e.GET("/health", checkoutController.Health)

	sessions := e.Group("/checkout/sessions", requireRequestID())
	sessions.POST("", checkoutController.StartSession)
	sessions.GET("/:id", checkoutController.GetSession)
	sessions.PUT("/:id/customer", checkoutController.SubmitCustomerInfo)
	sessions.POST("/:id/rail", checkoutController.SelectRail)
	sessions.POST("/:id/attempt", checkoutController.Attempt)
	sessions.POST("/:id/retry", checkoutController.Retry)
	sessions.GET("/:id/order", checkoutController.GetOrderBySession)

	orders := e.Group("/orders", requireRequestID())
	orders.GET("/:id", checkoutController.GetOrder)

	// Provider webhooks carry their own signature; no request id required.
	webhooks := e.Group("/webhooks/settlements")
	webhooks.POST("/:rail/:ref", checkoutController.HandleSettlementWebhook)

	return e
}

func requireRequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			requestID := strings.TrimSpace(ctx.Request().Header.Get(echo.HeaderXRequestID))
			if requestID == "" {
				return ctx.JSON(http.StatusBadRequest, &types.ErrorResponse{Error: "x-request-id header is required"})
			}
			ctx.Response().Header().Set(echo.HeaderXRequestID, requestID)
			return next(ctx)
		}
	}
}

func mustCreateCheckoutService() (*config.Config, *service.CheckoutService, func()) {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := configureLogging(cfg); err != nil {
		logrus.WithError(err).Fatal("Failed to configure logging")
	}

	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}

	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		logrus.WithError(err).Fatal("Failed to ping database")
	}

	if err := repository.RunMigrations(db, cfg.MySQL.MigrationsPath); err != nil {
		_ = db.Close()
		logrus.WithError(err).Fatal("Failed to run migrations")
	}

	orderRepo := repository.NewOrderRepository(db)
	ledgerRepo := repository.NewLedgerEntryRepository(db)
	eventRepo := repository.NewOrderEventRepository(db)
	productRepo := repository.NewProductRepository(db)

	cardRail := rail.NewCardRail(rail.CardConfig{
		BaseURL:             cfg.Gateway.BaseURL,
		SecretKey:           cfg.Gateway.SecretKey,
		HTTPTimeout:         cfg.Gateway.HTTPTimeout,
		BreakerMaxFailures:  cfg.Gateway.BreakerMaxFailures,
		BreakerOpenInterval: cfg.Gateway.BreakerOpenInterval,
	})
	deepLinkRail := rail.NewDeepLinkRail(rail.DeepLinkConfig{
		MerchantVPA:               cfg.UPI.MerchantVPA,
		MerchantName:              cfg.UPI.MerchantName,
		QRImageBaseURL:            cfg.UPI.QRImageBaseURL,
		WebhookSecret:             cfg.UPI.WebhookSecret,
		SignatureToleranceSeconds: cfg.UPI.SignatureToleranceSeconds,
	})

	railRegistry := rail.NewRegistry(cardRail, deepLinkRail)
	sessionStore := checkout.NewStore()
	settlements := settlement.NewController(cfg.Checkout.SettlementWindow)
	notifier := notification.NewNotifier(cfg.Checkout.NotifyURL, cfg.App.APIKey, cfg.Checkout.NotifyHTTPTimeout)

	checkoutService := service.NewCheckoutService(
		orderRepo,
		ledgerRepo,
		eventRepo,
		productRepo,
		railRegistry,
		sessionStore,
		settlements,
		notifier,
		cfg.Checkout,
	)

	cleanup := func() {
		if err := db.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close database")
		}
	}

	return cfg, checkoutService, cleanup
}

func configureLogging(cfg *config.Config) error {
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{})
	return nil
}
