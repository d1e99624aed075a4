package pending

// Result carries the outcome of one asynchronous operation: a value or an error.
type Result[T any] struct {
	Value T
	Err   error
}

func Success[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

func Failure[T any](err error) Result[T] {
	return Result[T]{Err: err}
}

// Get unpacks the result into Go's (value, error) convention.
func (r Result[T]) Get() (T, error) {
	if r.Err != nil {
		var zero T
		return zero, r.Err
	}
	return r.Value, nil
}

// Callback receives the single result of a subscription.
type Callback[T any] func(Result[T])
