package spattach

// Outcome is the single result envelope handed to UI-layer callers
type Outcome struct {
	Success bool               `json:"success"`
	Value   []AttachmentRecord `json:"value,omitempty"`
	Error   *OutcomeError      `json:"error,omitempty"`
}

// OutcomeError carries enough detail for a caller to render one human-readable message
type OutcomeError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Status  int       `json:"status,omitempty"`
}

// NewOutcome builds the envelope for a finished operation.
// A nil err yields a success; value may be nil for operations with no payload.
func NewOutcome(value []AttachmentRecord, err error) Outcome {
	if err != nil {
		return Outcome{
			Error: &OutcomeError{
				Kind:    KindOf(err),
				Message: err.Error(),
				Status:  StatusOf(err),
			},
		}
	}
	return Outcome{Success: true, Value: value}
}
