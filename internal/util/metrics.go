package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersConfirmedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_confirmed_total",
		Help: "Total number of orders confirmed after payment",
	})

	OrdersCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	}, []string{"reason"})

	ReservationsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_reservations_created_total",
		Help: "Total number of stock reservations created",
	})

	ReservationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_reservations_failed_total",
		Help: "Total number of failed stock reservations",
	}, []string{"reason"})

	ReservationsReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_reservations_released_total",
		Help: "Total number of released stock reservations",
	})

	ReservationsConfirmedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_reservations_confirmed_total",
		Help: "Total number of confirmed stock reservations",
	})

	ReservationsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_reservations_expired_total",
		Help: "Total number of reservations expired by the sweep",
	})

	ReservationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stock_reservation_latency_seconds",
		Help:    "Latency of batch stock reservation",
		Buckets: prometheus.DefBuckets,
	})

	PaymentAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Total number of payment attempts",
	})

	PaymentCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_completed_total",
		Help: "Total number of completed payments",
	})

	PaymentFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_failed_total",
		Help: "Total number of failed payments",
	})

	PaymentRefundedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_refunded_total",
		Help: "Total number of refunds processed",
	})

	PaymentProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_processing_latency_seconds",
		Help:    "Latency of payment processing",
		Buckets: prometheus.DefBuckets,
	})

	SagaStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_steps_total",
		Help: "Total number of saga reaction steps handled",
	}, []string{"step", "outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
