package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

var (
	rffSubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ca_engine",
			Subsystem: "rff",
			Name:      "submissions_total",
			Help:      "Total number of request submissions",
		},
		[]string{"result"}, // success, fee_expired, error
	)

	feeRebuildsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ca_engine",
			Subsystem: "rff",
			Name:      "fee_rebuilds_total",
			Help:      "Intents rebuilt after the settlement layer rejected stale fees",
		},
	)

	doubleCheckFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ca_engine",
			Subsystem: "rff",
			Name:      "double_check_failures_total",
			Help:      "Double-check resubmissions that exhausted their retries",
		},
	)

	depositsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ca_engine",
			Subsystem: "rff",
			Name:      "deposits_total",
			Help:      "Source deposits sent",
		},
		[]string{"universe", "status"},
	)

	fulfilmentWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ca_engine",
			Subsystem: "fulfilment",
			Name:      "wait_seconds",
			Help:      "Time until fulfilment was observed, by the arm that observed it",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"arm"},
	)

	sbcBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ca_engine",
			Subsystem: "sbc",
			Name:      "batches_total",
			Help:      "Batched call submissions",
		},
		[]string{"chain_id", "status"},
	)

	swapRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ca_engine",
			Subsystem: "swap",
			Name:      "retries_total",
			Help:      "Quote refreshes and swap retries",
		},
		[]string{"kind"}, // requote, source_retry, sweep
	)
)

// Register registers every engine collector plus the Go and process collectors
func Register(logger logrus.FieldLogger) {
	registerIfNotExists(collectors.NewGoCollector(), "go_collector", logger)
	registerIfNotExists(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}), "process_collector", logger)
	registerIfNotExists(rffSubmissionsTotal, "rff_submissions_total", logger)
	registerIfNotExists(feeRebuildsTotal, "rff_fee_rebuilds_total", logger)
	registerIfNotExists(doubleCheckFailuresTotal, "rff_double_check_failures_total", logger)
	registerIfNotExists(depositsTotal, "rff_deposits_total", logger)
	registerIfNotExists(fulfilmentWaitSeconds, "fulfilment_wait_seconds", logger)
	registerIfNotExists(sbcBatchesTotal, "sbc_batches_total", logger)
	registerIfNotExists(swapRetriesTotal, "swap_retries_total", logger)
}

// registerIfNotExists registers a collector if it's not already registered
func registerIfNotExists(collector prometheus.Collector, name string, logger logrus.FieldLogger) {
	if err := prometheus.Register(collector); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyRegErr) {
			logger.Debugf("%s already registered", name)
		} else {
			logger.Errorf("Failed to register %s: %v", name, err)
		}
	}
}

// RecordSubmission counts one request submission by result
func RecordSubmission(result string) {
	rffSubmissionsTotal.WithLabelValues(result).Inc()
}

// RecordFeeRebuild counts an intent rebuilt after a fee rejection
func RecordFeeRebuild() {
	feeRebuildsTotal.Inc()
}

// RecordDoubleCheckFailure counts a double-check that gave up
func RecordDoubleCheckFailure() {
	doubleCheckFailuresTotal.Inc()
}

// RecordDeposit counts one deposit
func RecordDeposit(universe string, err error) {
	depositsTotal.WithLabelValues(universe, status(err)).Inc()
}

// RecordFulfilment observes how long the fulfilment wait took
func RecordFulfilment(arm string, elapsed time.Duration) {
	fulfilmentWaitSeconds.WithLabelValues(arm).Observe(elapsed.Seconds())
}

// RecordBatch counts one batched call submission
func RecordBatch(chainID uint64, err error) {
	sbcBatchesTotal.WithLabelValues(strconv.FormatUint(chainID, 10), status(err)).Inc()
}

// RecordSwapRetry counts a requote, retry or sweep
func RecordSwapRetry(kind string) {
	swapRetriesTotal.WithLabelValues(kind).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
