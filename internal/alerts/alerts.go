// Package alerts routes observatory alerts to notification channels with
// rate limiting, deduplication, quiet hours, and unacknowledged-alert
// escalation.
package alerts

import (
	"context"
	"time"
)

// Level orders alert severities.
type Level string

const (
	LevelDebug     Level = "debug"
	LevelInfo      Level = "info"
	LevelWarning   Level = "warning"
	LevelCritical  Level = "critical"
	LevelEmergency Level = "emergency"
)

func rank(l Level) int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarning:
		return 2
	case LevelCritical:
		return 3
	case LevelEmergency:
		return 4
	default:
		return 1
	}
}

// Alert is one raised alert. Suppressed alerts are kept in history with the
// reason they never reached a channel.
type Alert struct {
	ID             string     `json:"id"`
	Level          Level      `json:"level"`
	Source         string     `json:"source"`
	Message        string     `json:"message"`
	Timestamp      time.Time  `json:"timestamp"`
	Acknowledged   bool       `json:"acknowledged"`
	AckTime        *time.Time `json:"ackTime,omitempty"`
	Delivered      []string   `json:"delivered,omitempty"`
	Suppressed     bool       `json:"suppressed,omitempty"`
	SuppressReason string     `json:"suppressReason,omitempty"`
}

// Channel delivers alerts to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// Config holds the manager's rate limiting and escalation knobs.
type Config struct {
	DedupWindow     time.Duration `yaml:"dedupWindow"`
	MinInterval     time.Duration `yaml:"minInterval"`
	MaxPerHour      int           `yaml:"maxPerHour"`
	EmailInterval   time.Duration `yaml:"emailInterval"`
	EscalationDelay time.Duration `yaml:"escalationDelay"`
	HistoryDepth    int           `yaml:"historyDepth"`
}

func DefaultConfig() Config {
	return Config{
		DedupWindow:     300 * time.Second,
		MinInterval:     60 * time.Second,
		MaxPerHour:      20,
		EmailInterval:   3600 * time.Second,
		EscalationDelay: 300 * time.Second,
		HistoryDepth:    500,
	}
}

// QuietHours suppresses sub-threshold alerts during a daily window.
type QuietHours struct {
	Enabled  bool   `yaml:"enabled"`
	Start    string `yaml:"start"` // "22:00"
	End      string `yaml:"end"`   // "07:00"
	MinLevel Level  `yaml:"minLevel"`
}

// Template produces consistent alert text from keyword arguments. Format
// placeholders use {name} syntax.
type Template struct {
	Level    Level
	Format   string
	Channels []string // non-empty overrides the severity routing
}

// defaultRouting maps each severity to its channel names.
func defaultRouting() map[Level][]string {
	return map[Level][]string{
		LevelDebug:     {"log"},
		LevelInfo:      {"log", "email"},
		LevelWarning:   {"log", "push", "email"},
		LevelCritical:  {"log", "push", "sms", "email"},
		LevelEmergency: {"log", "push", "sms", "email", "voice-call"},
	}
}

// escalationChannels are re-sent when a critical alert goes unacknowledged.
var escalationChannels = []string{"push", "sms", "voice-call"}
