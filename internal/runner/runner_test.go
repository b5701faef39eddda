package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(t *testing.T, h *Handle) []Event {
	t.Helper()
	var events []Event
	for ev := range h.Events() {
		events = append(events, ev)
	}
	return events
}

func TestStart_StreamsLinesInOrder(t *testing.T) {
	r := New(testLogger())

	h, err := r.Start(context.Background(), Command{
		Path: "/bin/sh",
		Args: []string{"-c", "echo one; echo two; echo three"},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	events := collect(t, h)
	code, err := h.Wait()
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	want := []string{"one", "two", "three"}
	for i, ev := range events {
		if ev.Seq != uint64(i) {
			t.Errorf("event %d has seq %d, want gap-free sequence", i, ev.Seq)
		}
		if ev.Text != want[i] {
			t.Errorf("event %d text %q, want %q", i, ev.Text, want[i])
		}
		if ev.Stream != "stdout" {
			t.Errorf("event %d stream %q, want stdout", i, ev.Stream)
		}
	}
}

func TestStart_TagsStderr(t *testing.T) {
	r := New(testLogger())

	h, err := r.Start(context.Background(), Command{
		Path: "/bin/sh",
		Args: []string{"-c", "echo oops 1>&2"},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	events := collect(t, h)
	if _, err := h.Wait(); err != nil {
		t.Fatal(err)
	}

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Stream != "stderr" {
		t.Errorf("expected stderr tag, got %q", events[0].Stream)
	}
	if events[0].Text != "oops" {
		t.Errorf("unexpected text: %q", events[0].Text)
	}
}

func TestStart_SequenceGapFreeAcrossStreams(t *testing.T) {
	r := New(testLogger())

	h, err := r.Start(context.Background(), Command{
		Path: "/bin/sh",
		Args: []string{"-c", "for i in 1 2 3 4 5; do echo out$i; echo err$i 1>&2; done"},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	events := collect(t, h)
	if _, err := h.Wait(); err != nil {
		t.Fatal(err)
	}

	if len(events) != 10 {
		t.Fatalf("expected 10 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != uint64(i) {
			t.Fatalf("sequence has a gap at index %d: seq %d", i, ev.Seq)
		}
	}
}

func TestStart_NonZeroExit(t *testing.T) {
	r := New(testLogger())

	h, err := r.Start(context.Background(), Command{
		Path: "/bin/sh",
		Args: []string{"-c", "echo failing; exit 3"},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	events := collect(t, h)
	code, err := h.Wait()
	if err != nil {
		t.Fatalf("Wait returned error for plain non-zero exit: %v", err)
	}
	if code != 3 {
		t.Errorf("expected exit code 3, got %d", code)
	}
	if len(events) != 1 || events[0].Text != "failing" {
		t.Errorf("output was lost before exit: %+v", events)
	}
}

func TestStart_LaunchFailure(t *testing.T) {
	r := New(testLogger())

	_, err := r.Start(context.Background(), Command{
		Path: "/nonexistent/definitely-not-a-binary",
	})
	if err == nil {
		t.Fatal("expected launch error")
	}

	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("expected *LaunchError, got %T: %v", err, err)
	}
}

func TestStart_EmptyPath(t *testing.T) {
	r := New(testLogger())

	_, err := r.Start(context.Background(), Command{})
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("expected *LaunchError for empty path, got %v", err)
	}
}

func TestTerminate_StopsLongRunningProcess(t *testing.T) {
	r := New(testLogger())

	h, err := r.Start(context.Background(), Command{
		Path: "/bin/sh",
		Args: []string{"-c", "echo started; sleep 60"},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Wait for the first line so we know the process is up.
	select {
	case <-h.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("process produced no output")
	}

	go h.Terminate(2 * time.Second)

	waited := make(chan struct{})
	go func() {
		for range h.Events() {
		}
		h.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-time.After(10 * time.Second):
		t.Fatal("process did not stop after Terminate")
	}

	code, _ := h.Wait()
	if code == 0 {
		t.Error("terminated process reported exit code 0")
	}
}

func TestWait_EventsDrainedBeforeExitReported(t *testing.T) {
	r := New(testLogger())

	h, err := r.Start(context.Background(), Command{
		Path: "/bin/sh",
		Args: []string{"-c", "for i in $(seq 1 200); do echo line$i; done"},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Wait() must not return before the channel is closed, so draining
	// afterwards must still observe every line.
	<-h.Done()

	count := 0
	for range h.Events() {
		count++
	}
	if count != 200 {
		t.Errorf("expected all 200 lines buffered and delivered, got %d", count)
	}
}
