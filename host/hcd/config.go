package hcd

// Policy holds the tunable retry and scheduling constants of the engine.
// The defaults are empirical values for common channel controllers; they
// are not mandated by the USB specification.
type Policy struct {
	MaxTransactionErrors     int    `help:"Consecutive transaction errors before a transfer fails" default:"3" env:"HCD_MAX_TRANSACTION_ERRORS"`
	SplitMarginPeriodic      uint16 `help:"Frames between Start-Split and Complete-Split for interrupt endpoints" default:"1" env:"HCD_SPLIT_MARGIN_PERIODIC"`
	SplitMarginAsync         uint16 `help:"Frames between Start-Split and Complete-Split for bulk and control endpoints" default:"5" env:"HCD_SPLIT_MARGIN_ASYNC"`
	CompleteSplitRetryMargin uint16 `help:"Frames before a Complete-Split answered with NYET is reissued" default:"1" env:"HCD_CSPLIT_RETRY_MARGIN"`
	MaxQueueDepth            int    `help:"Transfers that may wait behind the active one on a channel" default:"8" env:"HCD_MAX_QUEUE_DEPTH"`
}

// DefaultPolicy returns the default engine policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxTransactionErrors:     3,
		SplitMarginPeriodic:      1,
		SplitMarginAsync:         5,
		CompleteSplitRetryMargin: 1,
		MaxQueueDepth:            8,
	}
}

// withDefaults replaces zero fields with their defaults.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxTransactionErrors <= 0 {
		p.MaxTransactionErrors = d.MaxTransactionErrors
	}
	if p.SplitMarginPeriodic == 0 {
		p.SplitMarginPeriodic = d.SplitMarginPeriodic
	}
	if p.SplitMarginAsync == 0 {
		p.SplitMarginAsync = d.SplitMarginAsync
	}
	if p.CompleteSplitRetryMargin == 0 {
		p.CompleteSplitRetryMargin = d.CompleteSplitRetryMargin
	}
	if p.MaxQueueDepth <= 0 {
		p.MaxQueueDepth = d.MaxQueueDepth
	}
	return p
}

// Config configures an Engine.
type Config struct {
	Policy Policy

	// Clock schedules NAK poll timers. Nil selects the wall clock.
	Clock Clock
}
