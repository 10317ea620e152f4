package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wallet_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wallet_http_requests_in_flight",
			Help: "HTTP requests currently being served",
		},
	)

	// Transfer metrics
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_transfers_total",
			Help: "Total number of transfer attempts by outcome",
		},
		[]string{"status"}, // SUCCESS or an error kind
	)

	TransferAmount = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wallet_transfer_amount",
			Help:    "Transfer amount distribution (in minor units)",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 50000, 100000},
		},
		[]string{"status"},
	)

	TransferProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wallet_transfer_processing_duration_seconds",
			Help:    "Time to process a transfer",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	ConflictRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_conflict_retries_total",
			Help: "Conditional updates retried after a concurrent modification",
		},
		[]string{"step"}, // debit, credit, compensate, native
	)

	// Journal metrics
	JournalWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wallet_journal_write_duration_seconds",
			Help:    "Time to append and sync transfer journal entries",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)

	PendingCredits = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wallet_pending_credits",
			Help: "Debits committed whose credit is not yet confirmed",
		},
	)

	RecoveredTransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_recovered_transfers_total",
			Help: "Pending transfers closed by the recovery pass",
		},
		[]string{"outcome"}, // credited, failed
	)

	// Provisioning metrics
	ProvisioningTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_provisioning_total",
			Help: "Verified-identity events handled by outcome",
		},
		[]string{"outcome"}, // created, existing, rejected, error, dropped
	)

	// NATS metrics
	NATSMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_nats_messages_published_total",
			Help: "Total number of NATS messages published",
		},
		[]string{"subject"},
	)

	NATSMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_nats_messages_received_total",
			Help: "Total number of NATS messages received",
		},
		[]string{"subject"},
	)

	NATSConnectionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_nats_connection_events_total",
			Help: "NATS connection state changes and async errors",
		},
		[]string{"event"}, // disconnected, reconnected, closed, slow_consumer, async_error
	)

	// Idempotency metrics
	DuplicateTransactionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_duplicate_transactions_total",
			Help: "Total number of duplicate transactions answered from a recorded result",
		},
	)

	IdempotencyLeaseTakeoversTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_idempotency_lease_takeovers_total",
			Help: "In-progress keys reclaimed after their lease expired",
		},
	)

	IdempotencyEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_idempotency_evictions_total",
			Help: "Completed keys evicted after the retention window",
		},
	)
)
