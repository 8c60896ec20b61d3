package mailbox

import (
	"testing"
	"time"
)

func TestParseActionUnknownTypeIsRejected(t *testing.T) {
	_, err := parseAction([]byte(`{"type":"teleport","destination":"moon"}`))
	if err == nil {
		t.Fatalf("expected an error for an unknown action type")
	}
}

func TestParseActionMessage(t *testing.T) {
	action, err := parseAction([]byte(`{"type":"message","chat_id":42,"topic_id":7,"text":"hi there"}`))
	if err != nil {
		t.Fatalf("parse message: %v", err)
	}
	msg, ok := action.(messagePayload)
	if !ok {
		t.Fatalf("expected messagePayload, got %T", action)
	}
	if msg.ChatID != 42 || msg.TopicID != 7 || msg.Text != "hi there" {
		t.Fatalf("unexpected message payload: %+v", msg)
	}
}

func TestParseActionPauseResumeCancelShareShape(t *testing.T) {
	for _, tag := range []string{ActionPauseTask, ActionResumeTask, ActionCancelTask} {
		action, err := parseAction([]byte(`{"type":"` + tag + `","task_id":"t1"}`))
		if err != nil {
			t.Fatalf("parse %s: %v", tag, err)
		}
		p, ok := action.(taskIDPayload)
		if !ok || p.TaskID != "t1" || p.Type != tag {
			t.Fatalf("unexpected %s payload: %+v (ok=%v)", tag, action, ok)
		}
	}
}

func TestComputeInitialNextRunCron(t *testing.T) {
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	next, err := computeInitialNextRun("cron", "0 9 * * *", now, time.UTC)
	if err != nil {
		t.Fatalf("compute cron next run: %v", err)
	}
	want := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	if next == nil || !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestComputeInitialNextRunInterval(t *testing.T) {
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	next, err := computeInitialNextRun("interval", "5000", now, time.UTC)
	if err != nil {
		t.Fatalf("compute interval next run: %v", err)
	}
	want := now.Add(5 * time.Second)
	if next == nil || !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestComputeInitialNextRunOnce(t *testing.T) {
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	target := time.Date(2026, 1, 2, 10, 30, 0, 0, time.UTC)
	next, err := computeInitialNextRun("once", target.Format(time.RFC3339), now, time.UTC)
	if err != nil {
		t.Fatalf("compute once next run: %v", err)
	}
	if next == nil || !next.Equal(target) {
		t.Fatalf("expected %v, got %v", target, next)
	}
}

func TestComputeInitialNextRunOnceLocalTimestamp(t *testing.T) {
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	next, err := computeInitialNextRun("once", "2026-02-01T15:30:00", now, time.UTC)
	if err != nil {
		t.Fatalf("compute once next run: %v", err)
	}
	want := time.Date(2026, 2, 1, 15, 30, 0, 0, time.UTC)
	if next == nil || !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestComputeInitialNextRunOnceLocalTimestampRespectsTimezone(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Singapore")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := computeInitialNextRun("once", "2026-02-01T15:30:00", now, loc)
	if err != nil {
		t.Fatalf("compute once next run: %v", err)
	}
	want := time.Date(2026, 2, 1, 15, 30, 0, 0, loc).UTC()
	if next == nil || !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestComputeInitialNextRunRejectsBadValues(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		scheduleType, value string
	}{
		{"cron", "not a cron expression"},
		{"interval", "-5"},
		{"interval", "not a number"},
		{"once", "not a timestamp"},
		{"mystery", "whatever"},
	}
	for _, c := range cases {
		if _, err := computeInitialNextRun(c.scheduleType, c.value, now, time.UTC); err == nil {
			t.Fatalf("expected an error for schedule_type=%q value=%q", c.scheduleType, c.value)
		}
	}
}
