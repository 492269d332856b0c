package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Leoris0/MusicProject/pkg/logger"
)

// Monitor probes the inference services on a cron schedule and keeps the
// last result for the readiness endpoints.
type Monitor struct {
	cron      *cron.Cron
	generator *Generator

	mu   sync.RWMutex
	last []ServiceStatus
}

// NewMonitor schedules probes with spec, e.g. "@every 1m".
func NewMonitor(generator *Generator, spec string) (*Monitor, error) {
	m := &Monitor{
		cron:      cron.New(),
		generator: generator,
	}
	if _, err := m.cron.AddFunc(spec, m.probe); err != nil {
		return nil, fmt.Errorf("invalid health check schedule %q: %w", spec, err)
	}
	return m, nil
}

// Start probes once immediately, then on schedule.
func (m *Monitor) Start() {
	m.probe()
	m.cron.Start()
}

func (m *Monitor) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

func (m *Monitor) Last() []ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ServiceStatus(nil), m.last...)
}

func (m *Monitor) probe() {
	statuses := m.generator.ServiceHealth(context.Background())

	m.mu.Lock()
	prev := m.last
	m.last = statuses
	m.mu.Unlock()

	for i, s := range statuses {
		if i < len(prev) && prev[i].Up == s.Up {
			continue
		}
		if s.Up {
			logger.Info("Inference service up", zap.String("service", s.Name), zap.String("url", s.URL))
		} else {
			logger.Warn("Inference service down",
				zap.String("service", s.Name),
				zap.String("url", s.URL),
				zap.String("reason", s.Error),
			)
		}
	}
}
