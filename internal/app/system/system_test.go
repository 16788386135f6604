package system

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quantumshield/backend/pkg/logger"
)

type recordingService struct {
	name    string
	failOn  bool
	history *[]string
}

func (s recordingService) Name() string { return s.name }

func (s recordingService) Start(context.Context) error {
	if s.failOn {
		return errors.New("boom")
	}
	*s.history = append(*s.history, "start:"+s.name)
	return nil
}

func (s recordingService) Stop(context.Context) error {
	*s.history = append(*s.history, "stop:"+s.name)
	return nil
}

func TestManagerStartStopOrder(t *testing.T) {
	var history []string
	m := NewManager()
	for _, name := range []string{"a", "b", "c"} {
		if err := m.Register(recordingService{name: name, history: &history}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	if err := m.Register(recordingService{name: "a", history: &history}); err == nil {
		t.Fatalf("expected duplicate name error")
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	want := []string{"start:a", "start:b", "start:c", "stop:c", "stop:b", "stop:a"}
	if len(history) != len(want) {
		t.Fatalf("unexpected history %v", history)
	}
	for i := range want {
		if history[i] != want[i] {
			t.Fatalf("history[%d] = %s, want %s", i, history[i], want[i])
		}
	}
}

func TestManagerStartFailureRollsBack(t *testing.T) {
	var history []string
	m := NewManager()
	_ = m.Register(recordingService{name: "a", history: &history})
	_ = m.Register(recordingService{name: "b", failOn: true, history: &history})

	if err := m.Start(context.Background()); err == nil {
		t.Fatalf("expected start failure")
	}
	if len(history) != 2 || history[0] != "start:a" || history[1] != "stop:a" {
		t.Fatalf("unexpected history %v", history)
	}
}

func TestJobRunnerRunNow(t *testing.T) {
	runner := NewJobRunner(time.Second, logger.NewNop())
	var calls int32
	if err := runner.Add("tick", "@every 1h", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := runner.Add("tick", "", func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected duplicate job error")
	}
	if err := runner.Add("bad", "not a spec", func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected invalid spec error")
	}

	if err := runner.RunNow(context.Background(), "tick"); err != nil {
		t.Fatalf("run now: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
	if err := runner.RunNow(context.Background(), "missing"); err == nil {
		t.Fatalf("expected unknown job error")
	}

	jobs := runner.Jobs()
	if len(jobs) != 1 || jobs[0].Name != "tick" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
}

func TestJobRunnerAppliesTimeout(t *testing.T) {
	runner := NewJobRunner(20*time.Millisecond, logger.NewNop())
	_ = runner.Add("slow", "", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	err := runner.RunNow(context.Background(), "slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestJobRunnerLifecycle(t *testing.T) {
	runner := NewJobRunner(time.Second, logger.NewNop())
	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := runner.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestHealthReport(t *testing.T) {
	m := NewManager()
	_ = m.Register(NoopService{ServiceName: "devices"})
	report := Health(context.Background(), time.Now().Add(-time.Minute), m, nil)
	if report.Status != "ok" || report.Goroutines == 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.UptimeSeconds < 59 {
		t.Fatalf("expected uptime >= 59s, got %d", report.UptimeSeconds)
	}
	if len(report.Services) != 1 || report.Services[0] != "devices" {
		t.Fatalf("unexpected services %v", report.Services)
	}
}
