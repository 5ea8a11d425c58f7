package auth

import "context"

type contextKey int

const ctxKeySubject contextKey = 0

// WithSubject returns a context carrying the verified subject.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, ctxKeySubject, subject)
}

// SubjectFrom returns the subject stored by WithSubject.
func SubjectFrom(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(ctxKeySubject).(string)
	return sub, ok && sub != ""
}

// ContextIdentity resolves the caller from the request context.
type ContextIdentity struct{}

func (ContextIdentity) Subject(ctx context.Context) (string, bool) { return SubjectFrom(ctx) }
