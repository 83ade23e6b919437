package stream

import "time"

// OutcomeCode is the terminal result of one platform's update attempt.
// The orchestrator never fails; it only reports one of these per platform.
type OutcomeCode string

const (
	OutcomeSuccess        OutcomeCode = "success"
	OutcomeCacheFallback  OutcomeCode = "cacheFallback"
	OutcomeTooSoon        OutcomeCode = "tooSoon"
	OutcomeAlreadyRunning OutcomeCode = "alreadyRunning"
	OutcomeCancelled      OutcomeCode = "cancelled"
	OutcomeQuotaExceeded  OutcomeCode = "quotaExceeded"
	OutcomeAuthError      OutcomeCode = "authError"
	OutcomeError          OutcomeCode = "error"
)

// Outcome reports how one platform's update resolved.
type Outcome struct {
	Platform Platform    `json:"platform"`
	Code     OutcomeCode `json:"code"`
	Detail   string      `json:"detail,omitempty"`
	At       time.Time   `json:"at"`
}

// Fetched reports whether the attempt produced (or reused) displayable data,
// as opposed to being rejected before dispatch.
func (o Outcome) Fetched() bool {
	switch o.Code {
	case OutcomeSuccess, OutcomeCacheFallback:
		return true
	}
	return false
}

// Flag is a standing per-platform warning persisted across restarts so the UI
// can keep explaining a quota or auth failure until it actually clears.
type Flag struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	URL     string    `json:"url,omitempty"`
	At      time.Time `json:"at"`
}
