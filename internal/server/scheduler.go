package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/vendaflow/vendaflow/config"
	"github.com/vendaflow/vendaflow/internal/crm"
)

// Scheduler periodically sweeps overdue open tasks and drops a reminder note
// on the owning lead. A Redis lock keeps the sweep single-instance, and a
// per-task marker keeps reminders from repeating every tick.
type Scheduler struct {
	Store  *crm.Store
	Rdb    *redis.Client
	Cfg    config.SchedulerConfig
	Stop   chan struct{}
	logger *log.Logger
}

func NewScheduler(store *crm.Store, rdb *redis.Client, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		Store:  store,
		Rdb:    rdb,
		Cfg:    cfg,
		Stop:   make(chan struct{}),
		logger: log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
	}
}

func (s *Scheduler) Start() {
	expr, err := cronexpr.Parse(s.Cfg.Cron)
	if err != nil {
		s.logger.Printf("invalid cron %q, falling back to hourly: %v", s.Cfg.Cron, err)
		expr = cronexpr.MustParse("0 * * * *")
	}
	go func() {
		for {
			next := expr.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-s.Stop:
				timer.Stop()
				return
			case <-timer.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) Shutdown() {
	close(s.Stop)
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// distributed lock to avoid duplicate sweeps
	if s.Rdb != nil {
		ok, err := s.Rdb.SetNX(ctx, s.Cfg.LockKey, "1", s.Cfg.LockTTL).Result()
		if err != nil || !ok {
			return
		}
		defer s.Rdb.Del(ctx, s.Cfg.LockKey)
	}

	tasks, err := s.Store.ListOverdueTasks(ctx, time.Now(), 100)
	if err != nil {
		s.logger.Printf("overdue sweep failed: %v", err)
		return
	}
	for _, t := range tasks {
		if s.alreadyReminded(ctx, t.ID) {
			continue
		}
		due := ""
		if t.DueDate != nil {
			due = t.DueDate.Format("2006-01-02")
		}
		note := fmt.Sprintf("Reminder: task %q was due %s and is still open.", t.Title, due)
		if _, err := s.Store.AddNote(ctx, t.LeadID, note); err != nil {
			s.logger.Printf("reminder note for task %s failed: %v", t.ID, err)
			continue
		}
		s.logger.Printf("overdue task %s (%q, lead %s, due %s)", t.ID, t.Title, t.LeadID, due)
	}
}

// alreadyReminded marks a task as reminded for 24h so hourly sweeps do not
// stack notes on the same lead.
func (s *Scheduler) alreadyReminded(ctx context.Context, taskID string) bool {
	if s.Rdb == nil {
		return false
	}
	ok, err := s.Rdb.SetNX(ctx, "sched:reminded:"+taskID, "1", 24*time.Hour).Result()
	if err != nil {
		return false
	}
	return !ok
}
