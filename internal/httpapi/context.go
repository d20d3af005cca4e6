package httpapi

import "context"

// serverBaseCtx is canceled when the process shuts down. Plugin operations
// run under it joined with the request, so a client disconnect or a shutdown
// both stop them.
var serverBaseCtx = context.Background()

// SetBaseContext installs the process context; nil restores Background.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	serverBaseCtx = ctx
}

// joinContexts is canceled as soon as either parent is. Values come from
// the request context b. The cancel func must be called when the handler ends.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(b)
	stop := context.AfterFunc(a, func() { cancel(context.Cause(a)) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}
