package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProgressReporterStride(t *testing.T) {
	ctx := context.Background()
	notifier := &fakeNotifier{}
	p := NewProgressReporter(notifier, "Thread mirror", 3)

	for done := 1; done <= 7; done++ {
		p.Report(ctx, done, 0, 7)
	}

	// Emits at 3, 6, and completion; the first send is edited in place after.
	require.Len(t, notifier.sent, 1)
	require.Len(t, notifier.edits, 2)
	require.Equal(t, "Thread mirror: 3/7 (43%)", notifier.sent[0])
	require.Equal(t, "Thread mirror: 6/7 (86%)", notifier.edits[0])
	require.Equal(t, "Thread mirror: 7/7 (100%)", notifier.edits[1])
}

func TestProgressReporterIncludesFailures(t *testing.T) {
	ctx := context.Background()
	notifier := &fakeNotifier{}
	p := NewProgressReporter(notifier, "Role migration", 5)

	p.Report(ctx, 5, 2, 10)
	require.Equal(t, "Role migration: 5/10 (50%), 2 failed", notifier.sent[0])
}

func TestProgressReporterNeverRepeatsACount(t *testing.T) {
	ctx := context.Background()
	notifier := &fakeNotifier{}
	p := NewProgressReporter(notifier, "Member verification", 10)

	p.Report(ctx, 10, 0, 10)
	p.Report(ctx, 10, 0, 10)

	require.Len(t, notifier.sent, 1)
	require.Empty(t, notifier.edits)
}

func TestProgressReporterSwallowsDeliveryErrors(t *testing.T) {
	ctx := context.Background()
	notifier := &fakeNotifier{editErr: errors.New("message was deleted")}
	p := NewProgressReporter(notifier, "Thread mirror", 1)

	p.Report(ctx, 1, 0, 3)
	p.Report(ctx, 2, 0, 3)
	p.Report(ctx, 3, 0, 3)

	// The send succeeded, the edits failed silently.
	require.Len(t, notifier.sent, 1)
	require.Empty(t, notifier.edits)
}

func TestProgressReporterNilNotifier(t *testing.T) {
	p := NewProgressReporter(nil, "Member verification", 1)
	p.Report(context.Background(), 1, 0, 1)
}
