package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Presence keeps the local user's online flag fresh while the tab is visible.
type Presence struct {
	updater  PresenceUpdater
	userID   string
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	hidden  bool
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewPresence constructs a heartbeat for userID. A non-positive interval uses one minute.
func NewPresence(updater PresenceUpdater, userID string, interval time.Duration, logger zerolog.Logger) *Presence {
	if interval <= 0 {
		interval = DefaultTimings().PresenceHeartbeat
	}
	return &Presence{
		updater:  updater,
		userID:   userID,
		interval: interval,
		logger:   logger.With().Str("component", "presence").Str("user_id", userID).Logger(),
	}
}

// Start marks the user online and begins the heartbeat.
func (p *Presence) Start(ctx context.Context) {
	p.mu.Lock()
	if p.stopped || p.cancel != nil {
		p.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	p.mark(ctx, true)
	go p.loop(loopCtx)
}

// SetHidden marks the user offline while the tab is hidden and online again when it shows.
func (p *Presence) SetHidden(ctx context.Context, hidden bool) {
	p.mu.Lock()
	if p.stopped || p.hidden == hidden {
		p.mu.Unlock()
		return
	}
	p.hidden = hidden
	p.mu.Unlock()

	p.mark(ctx, !hidden)
}

// Stop ends the heartbeat and marks the user offline.
func (p *Presence) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	p.mark(ctx, false)
}

func (p *Presence) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			hidden := p.hidden
			p.mu.Unlock()
			if !hidden {
				p.mark(ctx, true)
			}
		}
	}
}

func (p *Presence) mark(ctx context.Context, online bool) {
	if err := p.updater.UpdatePresence(ctx, p.userID, online); err != nil {
		p.logger.Warn().Err(err).Bool("online", online).Msg("failed to update presence")
	}
}
