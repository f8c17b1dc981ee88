package adapters

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	ports "github.com/ZanzyTHEbar/support-agent/sagent/agent/ports"
	"github.com/ZanzyTHEbar/support-agent/sagent/errx"
)

// renderSystem joins the system instructions with the retrieved snippets so
// providers without a dedicated context slot see the same prompt.
func renderSystem(in ports.PromptInput) string {
	if len(in.Context) == 0 {
		return in.System
	}
	var b strings.Builder
	b.WriteString(in.System)
	b.WriteString("\n\nKnowledge base excerpts (cite by number when used):\n")
	for i, c := range in.Context {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, c)
	}
	return strings.TrimRight(b.String(), "\n")
}

// providerError classifies a provider failure. status is the HTTP status when
// the SDK reported one, zero otherwise.
func providerError(op string, status int, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return errx.Wrap(errx.KindCanceled, op, err)
	case status > 0:
		return errx.FromHTTPStatus(op, status, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errx.Transient(op, err)
	}
	return errx.Wrap(errx.Classify(err), op, err)
}

func withCallTimeout(ctx context.Context, opts ports.Options) (context.Context, context.CancelFunc) {
	if opts.TimeoutMs <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
}

func acquire(ctx context.Context, limiter ports.RateLimiter, key string) (func(), error) {
	if limiter == nil {
		return func() {}, nil
	}
	release, err := limiter.Acquire(ctx, key)
	if err != nil {
		return nil, providerError(key, 0, err)
	}
	return release, nil
}
