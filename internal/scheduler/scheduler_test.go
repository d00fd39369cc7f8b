package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"quantcache/internal/util"
)

type fakeJobs struct {
	mu          sync.Mutex
	cleanupDays []int
	warmSymbols []string
	warmStart   time.Time
	warmEnd     time.Time
	err         error
}

func (f *fakeJobs) Cleanup(_ context.Context, daysToKeep int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanupDays = append(f.cleanupDays, daysToKeep)
	return 3, f.err
}

func (f *fakeJobs) Warm(_ context.Context, symbols []string, start, end time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warmSymbols, f.warmStart, f.warmEnd = symbols, start, end
	return 10, f.err
}

func TestRegister(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want int
	}{
		{"none", Options{}, 0},
		{"cleanup only", Options{CleanupSpec: "0 2 * * *"}, 1},
		{"warm without symbols", Options{WarmSpec: "0 2 * * *"}, 0},
		{"both", Options{CleanupSpec: "0 2 * * *", WarmSpec: "30 20 * * 1-5", WarmSymbols: []string{"SPY"}}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(context.Background(), &fakeJobs{}, tt.opts, util.Discard())
			n, err := s.Register()
			if err != nil {
				t.Fatalf("Register: %v", err)
			}
			if n != tt.want {
				t.Errorf("Register() = %d, want %d", n, tt.want)
			}
		})
	}
}

func TestRegisterBadSpec(t *testing.T) {
	s := New(context.Background(), &fakeJobs{}, Options{CleanupSpec: "every tuesday"}, util.Discard())
	if _, err := s.Register(); err == nil {
		t.Error("Register accepted a malformed spec")
	}
}

func TestRunCleanup(t *testing.T) {
	jobs := &fakeJobs{}
	s := New(context.Background(), jobs, Options{RetentionDays: 7}, util.Discard())
	s.RunCleanup()
	jobs.err = errors.New("disk full")
	s.RunCleanup()
	if len(jobs.cleanupDays) != 2 || jobs.cleanupDays[0] != 7 {
		t.Errorf("cleanup calls = %v, want [7 7]", jobs.cleanupDays)
	}
}

func TestRunWarm(t *testing.T) {
	jobs := &fakeJobs{}
	s := New(context.Background(), jobs, Options{WarmSymbols: []string{"SPY", "QQQ"}, LookbackDays: 30, Location: time.UTC}, util.Discard())
	s.now = func() time.Time { return time.Date(2024, 3, 31, 18, 0, 0, 0, time.UTC) }
	s.RunWarm()

	if len(jobs.warmSymbols) != 2 {
		t.Errorf("warm symbols = %v", jobs.warmSymbols)
	}
	if want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC); !jobs.warmStart.Equal(want) {
		t.Errorf("warm start = %v, want %v", jobs.warmStart, want)
	}
	if want := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC); !jobs.warmEnd.Equal(want) {
		t.Errorf("warm end = %v, want %v", jobs.warmEnd, want)
	}
}

func TestScheduleInCalendarZone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	jobs := &fakeJobs{}
	s := New(context.Background(), jobs, Options{
		WarmSpec:     "30 20 * * 1-5",
		WarmSymbols:  []string{"SPY"},
		LookbackDays: 1,
		Location:     ny,
	}, util.Discard())
	if _, err := s.Register(); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := s.cron.Location(); got != ny {
		t.Errorf("cron location = %v, want %v", got, ny)
	}

	// Wednesday 2024-01-10 12:00 UTC is 07:00 in New York.
	from := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	next := s.cron.Entries()[0].Schedule.Next(from)
	if want := time.Date(2024, 1, 11, 1, 30, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next warm = %v, want %v", next.UTC(), want)
	}

	// 02:00 UTC on the 11th is still the 10th in New York.
	s.now = func() time.Time { return time.Date(2024, 1, 11, 2, 0, 0, 0, time.UTC) }
	s.RunWarm()
	if want := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC); !jobs.warmEnd.Equal(want) {
		t.Errorf("warm end = %v, want %v", jobs.warmEnd, want)
	}
}

func TestStartStop(t *testing.T) {
	s := New(context.Background(), &fakeJobs{}, Options{CleanupSpec: "@hourly"}, util.Discard())
	if _, err := s.Register(); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.Start()
	s.Stop()
}
