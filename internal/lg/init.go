// package lg wires logging, metrics and tracing for the potato binaries and packages.
package lg

import (
	"context"
	"log"
	"os"
	"runtime/debug"

	"go.uber.org/multierr"
)

// Init configures the process wide logger, meter and tracer. The returned
// func flushes and stops each of them in reverse order.
func Init(ctx context.Context, name string) (context.Context, func() error) {
	stop := [3]func() error{
		initLogger(name),
	}
	ctx, stop[1] = initMetrics(ctx, name)
	ctx, stop[2] = initTracing(ctx, name)

	reverse(stop[:])

	return ctx, func() error {
		log.Println("flushing logs...")
		errs := make([]error, len(stop))
		for i, fn := range stop {
			if fn != nil {
				errs[i] = fn()
			}
		}
		log.Println("all stopped.")
		return multierr.Combine(errs...)
	}
}

type contextKey struct {
	name string
}

func fromContext[K comparable, V any](ctx context.Context, key K) V {
	var empty V
	if v, ok := ctx.Value(key).(V); ok {
		return v
	}
	return empty
}

func toContext[K comparable, V any](ctx context.Context, key K, value V) context.Context {
	return context.WithValue(ctx, key, value)
}

// env reads a setting and logs it as a # line, which stays out of logz.io.
func env(name, defaultValue string) string {
	if v := os.Getenv(name); v != "" {
		log.Println("#", name, "=", v)
		return v
	}
	return defaultValue
}

// secret is a setting that prints masked.
type secret string

func (s secret) String() string {
	if s == "" {
		return ""
	}
	return "****"
}
func (s secret) Secret() string { return string(s) }

func envSecret(name, defaultValue string) secret {
	if v := os.Getenv(name); v != "" {
		log.Println("#", name, "=", secret(v))
		return secret(v)
	}
	return secret(defaultValue)
}

// buildInfo names the running binary in log lines and metric resources.
type buildInfo struct {
	app       string
	pkg       string
	goversion string
	host      string
}

func readBuildInfo(app string) buildInfo {
	info := buildInfo{app: app}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.goversion = bi.GoVersion
		info.pkg = bi.Path
	}
	if host, err := os.Hostname(); err == nil {
		info.host = host
	}
	return info
}

func reverse[T any](s []T) {
	first, last := 0, len(s)-1
	for first < last {
		s[first], s[last] = s[last], s[first]
		first++
		last--
	}
}
