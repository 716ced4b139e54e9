package tasks

import (
	"time"

	clog "livechat/internal/log"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweepable is anything holding idle per-key state that can be trimmed.
type Sweepable interface {
	Sweep(now time.Time) int
}

// Sweeper 按 cron 表达式周期性清理空闲的按键状态（合并锁、限速桶）。
type Sweeper struct {
	cron    *cron.Cron
	targets map[string]Sweepable
	log     zerolog.Logger
}

func NewSweeper(targets map[string]Sweepable) *Sweeper {
	return &Sweeper{cron: cron.New(), targets: targets, log: clog.Module("sweeper")}
}

// RunOnce sweeps every target and returns the evicted total.
func (s *Sweeper) RunOnce(now time.Time) int {
	total := 0
	for name, t := range s.targets {
		n := t.Sweep(now)
		if n > 0 {
			s.log.Debug().Str("target", name).Int("evicted", n).Msg("swept")
		}
		total += n
	}
	return total
}

// Start schedules the sweep. An invalid schedule is returned and nothing runs.
func (s *Sweeper) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, func() { s.RunOnce(time.Now().UTC()) }); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
