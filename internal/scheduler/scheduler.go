// Package scheduler runs delayed and periodic callbacks from an external
// tick. Nothing runs on its own goroutine: jobs fire inside Tick, on the
// caller's goroutine, so they may touch tick-thread state freely.
package scheduler

import (
	"sort"
	"time"
)

// Job is a scheduled callback.
type Job struct {
	name     string
	due      time.Time
	interval time.Duration
	fn       func(now time.Time)
	canceled bool
}

// Name returns the name the job was scheduled with.
func (j *Job) Name() string { return j.name }

// Cancel stops the job. It is safe to call from inside a job, more than once,
// and on a nil Job.
func (j *Job) Cancel() {
	if j != nil {
		j.canceled = true
	}
}

// Scheduler holds pending jobs. It is not safe for concurrent use.
type Scheduler struct {
	now  time.Time
	jobs []*Job
}

// New returns a Scheduler whose clock starts at start.
func New(start time.Time) *Scheduler {
	return &Scheduler{now: start}
}

// Now returns the time of the last Tick.
func (s *Scheduler) Now() time.Time { return s.now }

// After runs fn once, delay after the current tick time.
func (s *Scheduler) After(name string, delay time.Duration, fn func(now time.Time)) *Job {
	j := &Job{name: name, due: s.now.Add(delay), fn: fn}
	s.jobs = append(s.jobs, j)
	return j
}

// Every runs fn each interval until the job is canceled. A tick that skips
// several intervals fires the job once.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(now time.Time)) *Job {
	if interval <= 0 {
		interval = time.Millisecond
	}
	j := &Job{name: name, due: s.now.Add(interval), interval: interval, fn: fn}
	s.jobs = append(s.jobs, j)
	return j
}

// Len returns the number of pending jobs.
func (s *Scheduler) Len() int {
	n := 0
	for _, j := range s.jobs {
		if !j.canceled {
			n++
		}
	}
	return n
}

// Tick advances the clock to now and runs every due job in deadline order.
// Jobs scheduled while ticking are not run before the next Tick.
func (s *Scheduler) Tick(now time.Time) {
	if now.After(s.now) {
		s.now = now
	}
	due := make([]*Job, 0, len(s.jobs))
	keep := s.jobs[:0]
	for _, j := range s.jobs {
		switch {
		case j.canceled:
		case !j.due.After(s.now):
			due = append(due, j)
		default:
			keep = append(keep, j)
		}
	}
	s.jobs = keep
	sort.SliceStable(due, func(a, b int) bool { return due[a].due.Before(due[b].due) })

	for _, j := range due {
		if j.canceled {
			continue
		}
		j.fn(s.now)
		if j.interval > 0 && !j.canceled {
			j.due = j.due.Add(j.interval)
			if !j.due.After(s.now) {
				j.due = s.now.Add(j.interval)
			}
			s.jobs = append(s.jobs, j)
		}
	}
}

// Clear cancels every pending job.
func (s *Scheduler) Clear() {
	for _, j := range s.jobs {
		j.canceled = true
	}
	s.jobs = nil
}
