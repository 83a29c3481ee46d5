// Package loop runs a pass function on a fixed interval, or sooner when
// woken.
package loop

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

type Loop struct {
	name     string
	interval time.Duration
	pass     func(ctx context.Context)
	wake     chan struct{}
	log      logrus.FieldLogger
}

func New(name string, interval time.Duration, log logrus.FieldLogger, pass func(ctx context.Context)) *Loop {
	return &Loop{
		name:     name,
		interval: interval,
		pass:     pass,
		wake:     make(chan struct{}, 1),
		log:      log,
	}
}

// Wakeup schedules an immediate pass. Calls made while one is already
// pending coalesce.
func (l *Loop) Wakeup() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes a pass right away, then after every interval or wakeup,
// until ctx is done. A panicking pass is logged and the loop goes on.
func (l *Loop) Run(ctx context.Context) {
	l.log.WithFields(logrus.Fields{"loop": l.name, "interval": l.interval.String()}).Info("loop started")
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			l.log.WithField("loop", l.name).Info("loop stopped")
			return
		case <-timer.C:
		case <-l.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		l.runPass(ctx)
		timer.Reset(l.interval)
	}
}

func (l *Loop) runPass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.log.WithFields(logrus.Fields{"loop": l.name, "panic": r}).Error("loop pass panicked")
		}
	}()
	l.pass(ctx)
}
