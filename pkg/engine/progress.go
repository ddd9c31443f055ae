package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
)

const defaultStride = 20

// ProgressReporter turns item counters into throttled status updates. It
// sends one message and edits it in place on every subsequent report so the
// notification channel is never flooded. Delivery failures are swallowed;
// progress text is UI, not part of the engine's correctness contract.
type ProgressReporter struct {
	notifier     Notifier
	label        string
	stride       int
	handle       string
	lastReported int
}

func NewProgressReporter(notifier Notifier, label string, stride int) *ProgressReporter {
	if stride <= 0 {
		stride = defaultStride
	}
	return &ProgressReporter{
		notifier:     notifier,
		label:        label,
		stride:       stride,
		lastReported: -1,
	}
}

// Report emits a status update when done crosses the stride cadence or the
// run completes, and never twice for the same count.
func (p *ProgressReporter) Report(ctx context.Context, done, failed, total int) {
	if p.notifier == nil {
		return
	}
	if done != total && done%p.stride != 0 {
		return
	}
	if done == p.lastReported {
		return
	}
	p.lastReported = done

	p.deliver(ctx, p.format(done, failed, total))
}

func (p *ProgressReporter) format(done, failed, total int) string {
	percent := 100
	if total > 0 {
		percent = int(math.Round(float64(done) / float64(total) * 100))
	}

	text := fmt.Sprintf("%s: %d/%d (%d%%)", p.label, done, total, percent)
	if failed > 0 {
		text = fmt.Sprintf("%s, %d failed", text, failed)
	}
	return text
}

func (p *ProgressReporter) deliver(ctx context.Context, text string) {
	l := ctxzap.Extract(ctx)

	if p.handle == "" {
		handle, err := p.notifier.SendMessage(ctx, text)
		if err != nil {
			l.Debug("failed to send progress message", zap.Error(err))
			return
		}
		p.handle = handle
		return
	}

	if err := p.notifier.EditMessage(ctx, p.handle, text); err != nil {
		l.Debug("failed to edit progress message", zap.Error(err))
	}
}
