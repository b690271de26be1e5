package query

// ValidationError rejects a submission before any fingerprinting or external
// work happens.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid query: " + e.Reason
}
