package tds

import "fmt"

// FramingReason classifies why a header failed validation.
type FramingReason int

const (
	ReasonUnknownType FramingReason = iota
	ReasonLengthOutOfRange
	ReasonTruncatedAtClose
)

func (r FramingReason) String() string {
	switch r {
	case ReasonUnknownType:
		return "unknown_type"
	case ReasonLengthOutOfRange:
		return "length_out_of_range"
	case ReasonTruncatedAtClose:
		return "truncated_at_close"
	default:
		return "unknown_reason"
	}
}

// InvalidFraming is returned when the byte stream no longer aligns to
// packet boundaries. It is unrecoverable: the caller must close the
// connection, since no local resynchronization is sound once framing
// drifts.
type InvalidFraming struct {
	Reason FramingReason
	Detail string
}

func (e *InvalidFraming) Error() string {
	return fmt.Sprintf("tds: invalid framing (%s): %s", e.Reason, e.Detail)
}

// PayloadTooLarge is a programmer error: the caller asked the encoder
// to wrap a payload larger than it is able to split.
type PayloadTooLarge struct {
	PayloadLen int
	Max        int
}

func (e *PayloadTooLarge) Error() string {
	return fmt.Sprintf("tds: payload of %d bytes exceeds max packet payload of %d", e.PayloadLen, e.Max)
}

// ColumnCountMismatch is returned synchronously, before any I/O, when a
// row's value count does not match the target column list.
type ColumnCountMismatch struct {
	RowIndex   int
	Got, Want int
}

func (e *ColumnCountMismatch) Error() string {
	return fmt.Sprintf("tds: row %d has %d values, want %d", e.RowIndex, e.Got, e.Want)
}

// ExecutionError wraps a server-reported failure verbatim. It carries
// the batch index that failed so callers can reconcile how many prior
// batches already committed.
type ExecutionError struct {
	BatchIndex int
	Message    string
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tds: batch %d failed: %s", e.BatchIndex, e.Message)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// ConnectionLost indicates the transport dropped mid-operation. It is
// reported to callers as an ExecutionError (via AsExecutionError); the
// pooled handle that produced it must be discarded, never released.
type ConnectionLost struct {
	BatchIndex int
	Err        error
}

func (e *ConnectionLost) Error() string {
	return fmt.Sprintf("tds: connection lost during batch %d: %v", e.BatchIndex, e.Err)
}

func (e *ConnectionLost) Unwrap() error {
	return e.Err
}

// AsExecutionError normalizes a ConnectionLost into the ExecutionError
// shape callers match against, since connection loss during a batch is
// reported the same way a server-rejected batch is.
func AsExecutionError(batchIndex int, err error) *ExecutionError {
	var lost *ConnectionLost
	if cl, ok := err.(*ConnectionLost); ok {
		lost = cl
	}
	if lost != nil {
		return &ExecutionError{BatchIndex: lost.BatchIndex, Message: fmt.Sprintf("connection lost: %v", lost.Err), Err: lost}
	}
	return &ExecutionError{BatchIndex: batchIndex, Message: err.Error(), Err: err}
}
