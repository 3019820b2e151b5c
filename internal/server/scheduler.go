package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/marketbrief/marketbrief/config"
	core "github.com/marketbrief/marketbrief/internal/agent/core"
	"github.com/marketbrief/marketbrief/internal/store"
)

// Scheduler fires standing brief queries on their cron specs. A Redis
// SetNX lock keeps replicas from running the same schedule twice.
type Scheduler struct {
	Store  *store.Store
	Rdb    *redis.Client
	Orch   *core.Orchestrator
	Cfg    config.SchedulerConfig
	Logger *log.Logger
	Stop   chan struct{}
}

func NewScheduler(st *store.Store, rdb *redis.Client, orch *core.Orchestrator, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		Store:  st,
		Rdb:    rdb,
		Orch:   orch,
		Cfg:    cfg.Normalize(),
		Logger: log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
		Stop:   make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	ticker := time.NewTicker(s.Cfg.TickInterval)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	schedules, err := s.Store.ListSchedules(ctx)
	if err != nil {
		s.Logger.Printf("listing schedules: %v", err)
		return
	}
	now := time.Now()
	for _, sc := range schedules {
		if !isDue(sc.CronSpec, sc.LastRunAt, now) {
			continue
		}
		if s.Rdb != nil {
			ok, err := s.Rdb.SetNX(ctx, "sched:lock:"+sc.ID, "1", s.Cfg.LockTTL).Result()
			if err != nil || !ok {
				continue
			}
		}
		if err := s.Store.TouchSchedule(ctx, sc.ID, now); err != nil {
			s.Logger.Printf("touching schedule %s: %v", sc.ID, err)
			continue
		}
		go s.run(sc)
	}
}

func (s *Scheduler) run(sc store.Schedule) {
	ctx := context.Background()
	req := core.BriefRequest{Query: sc.Query, Mode: "text"}
	result, trace, err := s.Orch.Run(ctx, req)
	if err != nil {
		s.Logger.Printf("schedule %s run failed: %v", sc.ID, err)
	}
	if result.ID != "" {
		if err := s.Store.SaveBrief(ctx, result, trace); err != nil {
			s.Logger.Printf("persisting scheduled brief %s: %v", result.ID, err)
		}
	}
}

// isDue determines if a schedule should run now based on its last run time.
// Supports "@daily", "@hourly" and standard cron expressions.
func isDue(cronSpec string, last *time.Time, now time.Time) bool {
	switch cronSpec {
	case "@daily":
		return last == nil || now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		return last == nil || now.Sub(*last) >= time.Hour
	}
	expr, err := cronexpr.Parse(cronSpec)
	if err != nil {
		return false
	}
	if last == nil {
		return true
	}
	next := expr.Next(*last)
	return !next.IsZero() && !next.After(now)
}
