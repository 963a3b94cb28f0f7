package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/keighl/postmark"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/cart"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/catalog"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/config"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/db"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/gateway"
	orderHttp "github.com/vasiliy-maslov/ecommerce-orders/internal/handler/http"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/metrics"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/notification"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/order"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/payment"
	"github.com/vasiliy-maslov/ecommerce-orders/internal/shipping"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg, err := config.Load(".env", "")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	setupLogger(cfg.App)
	log.Info().Msg("Order service starting...")

	ctx := context.Background()

	pg, err := db.New(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer pg.Close()

	if err := pg.Migrate(cfg.Postgres); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}

	mongoConn, err := db.ConnectMongo(ctx, cfg.Mongo)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to MongoDB")
	}
	defer mongoConn.Close(context.Background())

	if err := cart.EnsureIndexes(ctx, mongoConn.Database); err != nil {
		log.Fatal().Err(err).Msg("Failed to create cart indexes")
	}

	redisClient, err := db.ConnectRedis(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close Redis client")
		}
	}()

	m := metrics.New()

	policy, err := cart.NewPolicy(cfg.Pricing)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid pricing config")
	}

	catalogService := catalog.NewService(catalog.NewRepository(pg.Pool))
	cartService := cart.NewService(cart.NewMongoRepository(mongoConn.Database), cart.NewRedisCache(redisClient), catalogService, policy)

	var notifiers []notification.Notifier
	if cfg.Notification.PostmarkToken != "" {
		mailer := postmark.NewClient(cfg.Notification.PostmarkToken, "")
		notifiers = append(notifiers, notification.NewEmailNotifier(mailer, cfg.Notification.FromEmail, cfg.Notification.AdminEmail))
	} else {
		log.Warn().Msg("POSTMARK_API_TOKEN is not set, customer emails are disabled")
	}

	kafkaWriter := notification.NewKafkaWriter(cfg.Notification.KafkaBrokers, cfg.Notification.KafkaTopic)
	if kafkaWriter != nil {
		notifiers = append(notifiers, notification.NewEventNotifier(kafkaWriter))
		defer func() {
			if err := kafkaWriter.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close Kafka writer")
			}
		}()
	}
	dispatcher := notification.NewDispatcher(m, notifiers...)

	orderRepo := order.NewRepository(pg.Pool)
	store := order.NewStore(orderRepo)
	orderService := order.NewService(orderRepo, store, cartService, catalogService, policy, dispatcher)

	paymentService := payment.NewService(
		gateway.NewClient(cfg.Payment, m),
		orderRepo,
		store,
		catalogService,
		cartService,
		dispatcher,
		m,
	)

	shippingService := shipping.NewService(shipping.NewClient(cfg.Shipping, m), store, dispatcher, cfg.Shipping)

	router := orderHttp.NewRouter(m,
		orderHttp.NewCartHandler(cartService),
		orderHttp.NewOrderHandler(orderService),
		orderHttp.NewPaymentHandler(paymentService),
		orderHttp.NewShippingHandler(shippingService),
	)
	router.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      otelhttp.NewHandler(http.TimeoutHandler(router, cfg.App.CheckoutTimeout, `{"error":"request timed out"}`), "order-service"),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.App.CheckoutTimeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.App.Port).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
	}

	// Emails and events for requests that already completed are still in flight.
	dispatcher.Wait()
	log.Info().Msg("Server stopped")
}

func setupLogger(cfg config.AppConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Logger = log.With().Str("service", "order-service").Logger()
}
