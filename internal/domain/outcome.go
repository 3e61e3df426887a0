package domain

// Outcome is reported to hooks after each attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeDead      Outcome = "dead"
)

func (o Outcome) String() string { return string(o) }
