package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type blockingJob struct {
	runs    atomic.Int32
	release chan struct{}
}

func (j *blockingJob) Name() string { return "blocking" }

func (j *blockingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	<-j.release
	return nil
}

type fakeResetter struct {
	calls int
	n     int64
	err   error
}

func (f *fakeResetter) ResetUsage(context.Context) (int64, error) {
	f.calls++
	return f.n, f.err
}

func TestWrap_SkipsOverlappingRuns(t *testing.T) {
	s := NewCronScheduler(nil)
	job := &blockingJob{release: make(chan struct{})}
	run := s.wrap(job, "@every 1s")

	done := make(chan struct{})
	go func() {
		run()
		close(done)
	}()
	require.Eventually(t, func() bool { return job.runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	run()
	require.Equal(t, int32(1), job.runs.Load())

	close(job.release)
	<-done
	run()
	require.Equal(t, int32(2), job.runs.Load())
}

func TestAddJob_InvalidSpec(t *testing.T) {
	s := NewCronScheduler(nil)
	err := s.AddJob(NewUsageResetJob(&fakeResetter{}, nil), "not a spec")
	require.Error(t, err)
}

func TestAddJob_SchedulesNextRun(t *testing.T) {
	s := NewCronScheduler(nil)
	require.NoError(t, s.AddJob(NewUsageResetJob(&fakeResetter{}, nil), "0 0 * * *"))
	s.Start(context.Background())
	defer s.Stop()

	next, ok := s.Next("usage_reset")
	require.True(t, ok)
	require.Equal(t, 0, next.Hour())
	require.Equal(t, 0, next.Minute())
	require.True(t, next.After(time.Now()))

	_, ok = s.Next("missing")
	require.False(t, ok)
}

func TestUsageResetJob(t *testing.T) {
	store := &fakeResetter{n: 3}
	job := NewUsageResetJob(store, nil)
	require.Equal(t, "usage_reset", job.Name())
	require.NoError(t, job.Run(context.Background()))
	require.Equal(t, 1, store.calls)

	store.err = errors.New("db down")
	require.ErrorContains(t, job.Run(context.Background()), "db down")
}
