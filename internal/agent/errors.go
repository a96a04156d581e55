package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/callpipe/internal/model"
	"github.com/sells-group/callpipe/internal/resilience"
)

// ErrStepTimeout marks an invocation abandoned after its step timeout.
var ErrStepTimeout = eris.New("agent: step timed out")

// ParseError reports a malformed or unparseable upstream payload.
type ParseError struct {
	Step string
	Raw  string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("agent: %s: parse: %v", e.Step, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// UpstreamError reports a failed call to the completion provider.
type UpstreamError struct {
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("agent: upstream status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("agent: upstream: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// DefaultClassifyError maps an error onto the step error taxonomy. Step
// implementations call it from ClassifyError unless they need special cases.
func DefaultClassifyError(err error) ErrorInfo {
	if err == nil {
		return ErrorInfo{Kind: model.ErrorKindUnknown}
	}
	if errors.Is(err, ErrStepTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorInfo{Kind: model.ErrorKindTimeout, Recoverable: true}
	}

	var pe *ParseError
	if errors.As(err, &pe) {
		return ErrorInfo{Kind: model.ErrorKindParse}
	}

	var ue *UpstreamError
	if errors.As(err, &ue) {
		recoverable := resilience.IsTransientHTTPStatus(ue.Status) || resilience.IsTransient(ue.Err)
		return ErrorInfo{Kind: model.ErrorKindUpstreamAPI, Recoverable: recoverable}
	}

	if resilience.IsTransient(err) {
		return ErrorInfo{Kind: model.ErrorKindUpstreamAPI, Recoverable: true}
	}
	return ErrorInfo{Kind: model.ErrorKindUnknown}
}
