package castsession

// Outcome is the result of a public operation.
type Outcome struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    Kind   `json:"code,omitempty"`
	Err     error  `json:"-"`
}

func succeeded() Outcome {
	return Outcome{Success: true}
}

func failed(err error) Outcome {
	msg := err.Error()
	if msg == "" {
		msg = "unknown error"
	}
	return Outcome{
		Error: msg,
		Code:  KindOf(err),
		Err:   err,
	}
}

// NotInitializedOutcome is what operations report before Initialize succeeds.
func NotInitializedOutcome() Outcome {
	return failed(newError(NotInitialized, msgNotInitialized))
}
