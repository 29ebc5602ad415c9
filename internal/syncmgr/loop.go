package syncmgr

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/boardsync/internal/errs"
)

// Start runs a full sync every interval, with jitter, until Stop or until ctx
// is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return errs.New(errs.KindInitialization, "syncmgr.start", "sync endpoint not configured")
	}
	if m.running {
		return nil
	}
	m.running = true
	m.loopCtx = ctx
	m.armLocked()
	m.startNotificationsLocked()
	m.logger.Info("sync loop started", zap.Duration("interval", m.settings.Interval))
	return nil
}

func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.stopNotificationsLocked()
	m.logger.Info("sync loop stopped")
}

func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) armLocked() {
	m.timer = m.clock.AfterFunc(m.nextDelayLocked(), m.tick)
}

// nextDelayLocked spreads ticks over interval*(1±jitter).
func (m *Manager) nextDelayLocked() time.Duration {
	interval := m.settings.Interval
	jitter := m.settings.Jitter
	if jitter <= 0 {
		return interval
	}
	factor := 1 + jitter*(2*m.random()-1)
	delay := time.Duration(float64(interval) * factor)
	if delay <= 0 {
		return interval
	}
	return delay
}

func (m *Manager) tick() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	ctx := m.loopCtx
	m.mu.Unlock()

	if ctx.Err() != nil {
		m.Stop()
		return
	}
	m.runTick(ctx)

	m.mu.Lock()
	if m.running {
		m.armLocked()
	}
	m.mu.Unlock()
}

func (m *Manager) runTick(ctx context.Context) {
	if !m.online() {
		m.updateState(func(st *State) { st.Status = StatusOffline })
		m.logger.Debug("offline; skipping sync tick")
		return
	}
	if m.breakerOpen() {
		m.logger.Debug("circuit open; skipping sync tick")
		return
	}
	if _, err := m.PerformFullSync(ctx); err != nil {
		m.logger.Warn("sync tick failed", zap.Error(err))
	}
}
