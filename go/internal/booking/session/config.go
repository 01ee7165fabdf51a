package session

import "time"

// Config holds booking session configuration
type Config struct {
	// PollInterval is how often the fallback poller considers a refresh.
	PollInterval time.Duration
	// PushSilence is how long without any push for a booking before polling resumes
	// even though the channel reports connected.
	PushSilence time.Duration
	// MaxAssignments is the assignment count at which a still-searching booking is
	// reported as a failed search. Zero disables the check.
	MaxAssignments int
	TypingTTL      time.Duration
	FetchTimeout   time.Duration
	InboxSize      int
}

// DefaultConfig returns default session configuration
func DefaultConfig() Config {
	return Config{
		PollInterval:   15 * time.Second,
		PushSilence:    45 * time.Second,
		MaxAssignments: 3,
		TypingTTL:      5 * time.Second,
		FetchTimeout:   15 * time.Second,
		InboxSize:      128,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PushSilence <= 0 {
		c.PushSilence = d.PushSilence
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = d.TypingTTL
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	return c
}
