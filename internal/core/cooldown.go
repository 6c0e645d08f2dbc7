package core

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

type CooldownResult int

const (
	CooldownReached CooldownResult = iota
	CooldownTimedOut
)

func (r CooldownResult) String() string {
	if r == CooldownReached {
		return "reached"
	}
	return "timed_out"
}

// Cooldown waits for the bed to drop to Threshold degrees, polling every
// Interval and giving up after Timeout.
type Cooldown struct {
	Threshold float64
	Timeout   time.Duration
	Interval  time.Duration
	Clock     Clock
	Log       log.FieldLogger
}

// Wait returns once a reading at or below the threshold is seen or the
// timeout has elapsed, whichever comes first. It never waits longer than
// Timeout plus one Interval. Read errors are logged and polling goes on.
func (c *Cooldown) Wait(ctx context.Context, t Thermometer) (CooldownResult, error) {
	clock := c.Clock
	if clock == nil {
		clock = SystemClock
	}
	interval := c.Interval
	if interval <= 0 {
		interval = time.Second
	}
	logger := c.Log
	if logger == nil {
		logger = log.StandardLogger()
	}

	deadline := clock.Now().Add(c.Timeout)
	for {
		temp, err := t.BedTemperature(ctx)
		if err != nil {
			logger.WithError(err).Warn("failed to read bed temperature")
		} else if temp <= c.Threshold {
			logger.WithField("temp", temp).Info("bed cooled")
			return CooldownReached, nil
		} else {
			logger.WithFields(log.Fields{"temp": temp, "threshold": c.Threshold}).Debug("waiting for bed to cool")
		}

		now := clock.Now()
		if !now.Before(deadline) {
			logger.WithField("timeout", c.Timeout).Warn("bed cooldown timed out")
			return CooldownTimedOut, nil
		}

		wait := interval
		if rem := deadline.Sub(now); rem < wait {
			wait = rem
		}
		select {
		case <-ctx.Done():
			return CooldownTimedOut, ctx.Err()
		case <-clock.After(wait):
		}
	}
}
