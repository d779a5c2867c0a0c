package exchange

import "time"

// MRP parameters (Spec Section 4.12.8, Table 22). Per-session timing
// (idle/active intervals, active threshold) lives in session.Params.
const (
	// MaxTransmissions is MRP_MAX_TRANSMISSIONS: total attempts for a
	// reliable message, the initial send included.
	MaxTransmissions = 5

	// BackoffBase is MRP_BACKOFF_BASE, the exponential backoff base.
	BackoffBase = 1.6

	// BackoffJitter is MRP_BACKOFF_JITTER, the random jitter scaler.
	BackoffJitter = 0.25

	// BackoffMargin is MRP_BACKOFF_MARGIN, the margin applied over the
	// peer's retry interval.
	BackoffMargin = 1.1

	// BackoffThreshold is MRP_BACKOFF_THRESHOLD: the number of sends
	// before backoff turns exponential.
	BackoffThreshold = 1

	// StandaloneAckTimeout is MRP_STANDALONE_ACK_TIMEOUT: how long to
	// hold an acknowledgement hoping to piggyback it on an outbound
	// message before sending it on its own.
	StandaloneAckTimeout = 200 * time.Millisecond
)

// MaxConcurrentExchanges is the recommended cap on concurrent exchanges
// over one unicast session (Spec Section 4.10.5.2), protecting the
// message counter window.
const MaxConcurrentExchanges = 5
