package metrics

import "time"

// SendObserved records mail transport latency, successful or not.
func SendObserved(took time.Duration) {
	SendDuration.Observe(took.Seconds())
}

// Dispatched counts one processed entry by outcome.
func Dispatched(outcome string) {
	EmailsProcessed.WithLabelValues(outcome).Inc()
}

// Recovered adds n recreated entries.
func Recovered(n int) {
	if n > 0 {
		EntriesRecovered.Add(float64(n))
	}
}
