package flow

// Middleware wraps a StepBody to add cross-cutting behavior (logging,
// metrics, panic recovery, auditing) without the body knowing about it.
// The Executor composes three layers around every body invocation, from
// outermost to innermost: flow-level middleware, then step-level
// middleware, then the body itself.
type Middleware func(next StepBody) StepBody

// chain composes middlewares around body, applying them outermost-first so
// that mws[0] runs before mws[1] and so on, wrapping body last.
func chain(body StepBody, mws ...Middleware) StepBody {
	wrapped := body
	for i := len(mws) - 1; i >= 0; i-- {
		wrapped = mws[i](wrapped)
	}
	return wrapped
}

// recoverMiddleware converts a panicking body into a Failure result so a
// single misbehaving step body cannot take down the Executor goroutine.
func recoverMiddleware(next StepBody) StepBody {
	return func(ec *ExecutionContext) (res Result) {
		defer func() {
			if r := recover(); r != nil {
				res = Failure("step body panicked", panicError{value: r})
			}
		}()
		return next(ec)
	}
}

type panicError struct{ value any }

func (p panicError) Error() string {
	if err, ok := p.value.(error); ok {
		return err.Error()
	}
	return "panic: " + toString(p.value)
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if st, ok := v.(interface{ String() string }); ok {
		return st.String()
	}
	return "non-string panic value"
}
