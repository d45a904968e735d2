package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/donationledger/internal/domain"
)

// MemoryScheduleStore keeps recurring donation schedules and their execution
// log in memory.
type MemoryScheduleStore struct {
	mu        sync.RWMutex
	schedules map[string]domain.Schedule
	logs      []domain.ScheduleExecutionLog
}

func NewMemoryScheduleStore() *MemoryScheduleStore {
	return &MemoryScheduleStore{schedules: make(map[string]domain.Schedule)}
}

// Save inserts or replaces a schedule.
func (s *MemoryScheduleStore) Save(_ context.Context, sched domain.Schedule) error {
	if sched.ID == "" {
		return domain.NewValidationError("id", "schedule id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sched.ID] = sched
	return nil
}

func (s *MemoryScheduleStore) Get(_ context.Context, id string) (*domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[id]
	if !ok {
		return nil, &domain.NotFoundError{Resource: "schedule", ID: id}
	}
	return &sched, nil
}

// DueSchedules returns active schedules whose next execution is at or before
// now, oldest first.
func (s *MemoryScheduleStore) DueSchedules(_ context.Context, now time.Time) ([]domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []domain.Schedule
	for _, sched := range s.schedules {
		if sched.Active && !sched.NextExecutionDate.After(now) {
			due = append(due, sched)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextExecutionDate.Before(due[j].NextExecutionDate)
	})
	return due, nil
}

// MarkExecuted records a successful occurrence and moves the schedule to its
// next date.
func (s *MemoryScheduleStore) MarkExecuted(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[id]
	if !ok {
		return &domain.NotFoundError{Resource: "schedule", ID: id}
	}
	executed := at
	sched.LastExecutionDate = &executed
	sched.NextExecutionDate = nextAfter(sched.Frequency, sched.NextExecutionDate, at)
	sched.ExecutionCount++
	sched.FailureCount = 0
	s.schedules[id] = sched
	return nil
}

// MarkFailed bumps the consecutive failure counter and returns it.
func (s *MemoryScheduleStore) MarkFailed(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[id]
	if !ok {
		return 0, &domain.NotFoundError{Resource: "schedule", ID: id}
	}
	sched.FailureCount++
	s.schedules[id] = sched
	return sched.FailureCount, nil
}

func (s *MemoryScheduleStore) Disable(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[id]
	if !ok {
		return &domain.NotFoundError{Resource: "schedule", ID: id}
	}
	sched.Active = false
	s.schedules[id] = sched
	return nil
}

func (s *MemoryScheduleStore) AppendLog(_ context.Context, entry domain.ScheduleExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	return nil
}

// Logs returns the execution log of one schedule in append order.
func (s *MemoryScheduleStore) Logs(_ context.Context, scheduleID string) ([]domain.ScheduleExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ScheduleExecutionLog
	for _, l := range s.logs {
		if l.ScheduleID == scheduleID {
			out = append(out, l)
		}
	}
	return out, nil
}

// nextAfter advances from the scheduled date until it lies after at, so a
// schedule that fell behind does not fire once per missed period.
func nextAfter(f domain.Frequency, scheduled, at time.Time) time.Time {
	next := f.Next(scheduled)
	for !next.After(at) {
		next = f.Next(next)
	}
	return next
}
