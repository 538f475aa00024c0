// ABOUTME: Periodic ticker and deferred retry for the switch scheduler
// ABOUTME: Both are cancelled together on Stop; arming either twice is a no-op
package switcher

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Renew arms the periodic ticker. It disarms itself after MaxIdleTicks
// ticks in a row that switched nothing.
func (s *Scheduler) Renew() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.idleTicks = 0
	if s.stopped || s.ticking {
		return
	}

	stop := make(chan struct{})
	s.ticking = true
	s.tickStop = stop

	s.wg.Add(1)
	go s.tickLoop(stop)

	log.Debug().Dur("interval", s.cfg.TickInterval).Msg("Ticker armed")
}

// Ticking reports whether the periodic ticker is armed
func (s *Scheduler) Ticking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticking
}

func (s *Scheduler) tickLoop(stop chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if !s.tick(stop) {
				return
			}
		}
	}
}

// tick runs one periodic evaluation and reports whether to keep ticking
func (s *Scheduler) tick(stop chan struct{}) bool {
	s.mu.Lock()
	if s.state.RetryTimerActive {
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	outcome := s.Evaluate(s.ctx, AttemptTick)

	s.mu.Lock()
	defer s.mu.Unlock()

	if outcome.changed() {
		s.idleTicks = 0
		return true
	}

	s.idleTicks++
	if s.idleTicks < s.cfg.MaxIdleTicks {
		return true
	}

	// Stop may already have taken the channel.
	if s.tickStop == stop {
		s.ticking = false
		s.tickStop = nil
	}
	log.Debug().Int("idle_ticks", s.idleTicks).Msg("Ticker idle, disarming")
	return false
}

// armRetry schedules one deferred re-evaluation. Returns false when a retry
// is already outstanding or the retry budget is spent.
func (s *Scheduler) armRetry(logger zerolog.Logger) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.state.RetryTimerActive || s.state.RetryCount >= maxRetries {
		return false
	}

	s.state.RetryTimerActive = true
	s.state.RetryCount++
	s.phase = AwaitingMetadata
	s.retryCycle = s.lastCycle

	s.wg.Add(1)
	s.retryTimer = time.AfterFunc(s.cfg.RetryDelay, s.fireRetry)

	logger.Debug().Dur("delay", s.cfg.RetryDelay).Msg("Retry armed")
	return true
}

func (s *Scheduler) fireRetry() {
	defer s.wg.Done()

	if s.ctx.Err() != nil {
		return
	}

	if s.Evaluate(s.ctx, AttemptRetry).changed() {
		s.mu.Lock()
		s.idleTicks = 0
		s.mu.Unlock()
	}
}

// disarmRetryLocked cancels a pending retry and clears its bookkeeping
// (must hold s.mu)
func (s *Scheduler) disarmRetryLocked() {
	if s.retryTimer != nil && s.retryTimer.Stop() {
		s.wg.Done()
	}
	s.retryTimer = nil
	s.retryCycle = ""
	s.state.RetryTimerActive = false
	s.state.RetryCount = 0
}

// Stop cancels the ticker and any outstanding retry and waits for an
// in-flight evaluation to finish. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		s.stopped = true
		if s.tickStop != nil {
			close(s.tickStop)
			s.tickStop = nil
		}
		s.ticking = false
		s.disarmRetryLocked()
		s.mu.Unlock()

		s.wg.Wait()
	})
}
