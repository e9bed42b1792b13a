package progress

import (
	"errors"
	"log/slog"
	"testing"
)

// recordingSubscriber captures every event it receives.
type recordingSubscriber struct {
	progress []ProgressEvent
	errors   []ErrorEvent
	success  []SuccessEvent
}

func (r *recordingSubscriber) OnProgress(e ProgressEvent) error {
	r.progress = append(r.progress, e)
	return nil
}

func (r *recordingSubscriber) OnError(e ErrorEvent) error {
	r.errors = append(r.errors, e)
	return nil
}

func (r *recordingSubscriber) OnSuccess(e SuccessEvent) error {
	r.success = append(r.success, e)
	return nil
}

// faultySubscriber fails or panics on every callback.
type faultySubscriber struct {
	panics bool
}

func (f *faultySubscriber) OnProgress(ProgressEvent) error {
	if f.panics {
		panic("subscriber exploded")
	}
	return errors.New("subscriber rejected event")
}

func (f *faultySubscriber) OnError(ErrorEvent) error   { return errors.New("nope") }
func (f *faultySubscriber) OnSuccess(SuccessEvent) error { return errors.New("nope") }

func TestReporter_FanOut(t *testing.T) {
	first := &recordingSubscriber{}
	second := &recordingSubscriber{}
	reporter := NewReporter(slog.Default(), first, second)

	reporter.Progress("drop_columns:downloads", 40, "data copied")
	reporter.Error("drop_columns:downloads", errors.New("boom"), "copy failed")
	reporter.Success("drop_columns:downloads", "table rebuilt")

	for i, sub := range []*recordingSubscriber{first, second} {
		if len(sub.progress) != 1 || len(sub.errors) != 1 || len(sub.success) != 1 {
			t.Fatalf("subscriber %d missed events: %+v", i, sub)
		}
		if sub.progress[0].Percent != 40 {
			t.Fatalf("subscriber %d got percent %d, want 40", i, sub.progress[0].Percent)
		}
		if sub.progress[0].Operation != "drop_columns:downloads" {
			t.Fatalf("subscriber %d got operation %q", i, sub.progress[0].Operation)
		}
	}
}

func TestReporter_ClampsPercent(t *testing.T) {
	sub := &recordingSubscriber{}
	reporter := NewReporter(slog.Default(), sub)

	reporter.Progress("op", -10, "starting")
	reporter.Progress("op", 250, "done")

	if sub.progress[0].Percent != 0 {
		t.Fatalf("expected clamped 0, got %d", sub.progress[0].Percent)
	}
	if sub.progress[1].Percent != 100 {
		t.Fatalf("expected clamped 100, got %d", sub.progress[1].Percent)
	}
}

func TestReporter_SubscriberFailuresAreIsolated(t *testing.T) {
	healthy := &recordingSubscriber{}
	reporter := NewReporter(slog.Default(), &faultySubscriber{panics: true}, &faultySubscriber{}, healthy)

	// Must not panic and must still reach the healthy subscriber.
	reporter.Progress("rename_column:files", 10, "shadow table created")
	reporter.Success("rename_column:files", "done")

	if len(healthy.progress) != 1 {
		t.Fatalf("healthy subscriber missed progress event")
	}
	if len(healthy.success) != 1 {
		t.Fatalf("healthy subscriber missed success event")
	}
}

func TestReporter_NilAndEmptySafe(t *testing.T) {
	var nilReporter *Reporter
	nilReporter.Progress("op", 10, "detail")
	nilReporter.Error("op", errors.New("x"), "detail")
	nilReporter.Success("op", "message")

	empty := NewReporter(nil)
	empty.Progress("op", 10, "detail")
	empty.Success("op", "message")
}
