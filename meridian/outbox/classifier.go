package outbox

// RetryClassifier determines whether a publish error is permanent. Permanent
// errors dead-letter the message immediately instead of burning retries.
type RetryClassifier interface {
	IsPermanent(err error) bool
}

type RetryClassifierFunc func(err error) bool

func (fn RetryClassifierFunc) IsPermanent(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}
