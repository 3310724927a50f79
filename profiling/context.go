package profiling

import "context"

type profilerKey struct{}

// WithProfiler returns a context whose commands are timed by the given profiler.
func WithProfiler(ctx context.Context, profiler CmdProfiler) context.Context {
	return context.WithValue(ctx, profilerKey{}, profiler)
}

// Start marks the beginning of a command. Negative command types are not profiled.
func Start(ctx context.Context, cmdType int) {
	if profiler, ok := profilerFor(ctx, cmdType); ok {
		profiler.Start(cmdType)
	}
}

func Stop(ctx context.Context, cmdType int) {
	if profiler, ok := profilerFor(ctx, cmdType); ok {
		profiler.Stop(cmdType)
	}
}

func profilerFor(ctx context.Context, cmdType int) (CmdProfiler, bool) {
	if cmdType < 0 {
		return nil, false
	}

	profiler, ok := ctx.Value(profilerKey{}).(CmdProfiler)

	return profiler, ok
}
