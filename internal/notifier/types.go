package notifier

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
)

// Notify policies for run summaries.
const (
	NotifyAlways   = "always"
	NotifyFailures = "failures"
	NotifyNever    = "never"
)

// Config controls the notification pipeline.
type Config struct {
	Enabled       bool
	Token         string
	ChatID        int64
	ThreadID      int
	NotifyOn      string
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
}

func (c Config) withDefaults() Config {
	if c.NotifyOn == "" {
		c.NotifyOn = NotifyFailures
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	return c
}

// Target is a chat and an optional forum topic.
type Target struct {
	ChatID   int64
	ThreadID int
}

// Transport sends one rendered HTML message.
type Transport interface {
	Send(ctx context.Context, to Target, text string) error
}

// Event is published on the bus after each delivery attempt series.
type Event struct {
	ChatID int64     `json:"chat_id"`
	Kind   string    `json:"kind"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

const (
	EventSent   = "notifier.sent"
	EventFailed = "notifier.failed"
)
