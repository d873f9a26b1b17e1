// Package alert delivers operator notifications. CRITICAL alerts mean a human
// has to look at the broker account.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Level orders alert severity.
type Level int

const (
	Info Level = iota
	Warning
	Critical
)

func (l Level) String() string {
	switch l {
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Critical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// ParseLevel accepts INFO, WARNING/WARN and CRITICAL in any case. Empty means Info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "INFO":
		return Info, nil
	case "WARNING", "WARN":
		return Warning, nil
	case "CRITICAL", "CRIT":
		return Critical, nil
	default:
		return Info, fmt.Errorf("unknown alert level %q", s)
	}
}

// Alert is one notification.
type Alert struct {
	Level   Level
	Title   string
	Message string
	Fields  map[string]any
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Sender is a single delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// LogNotifier writes alerts to the logger. It never fails.
type LogNotifier struct {
	logger logrus.FieldLogger
}

func NewLogNotifier(logger logrus.FieldLogger) *LogNotifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogNotifier{logger: logger.WithField("component", "alert")}
}

func (n *LogNotifier) Notify(_ context.Context, a Alert) error {
	entry := n.logger.WithFields(logrus.Fields(a.Fields)).WithField("severity", a.Level.String())
	msg := a.Title
	if a.Message != "" {
		msg += ": " + a.Message
	}
	switch a.Level {
	case Critical:
		entry.Error(msg)
	case Warning:
		entry.Warn(msg)
	default:
		entry.Info(msg)
	}
	return nil
}

// Multi logs every alert and forwards those at or above MinLevel to all senders.
// A failing sender does not stop delivery to the rest.
type Multi struct {
	log      *LogNotifier
	senders  []Sender
	minLevel Level
	logger   logrus.FieldLogger
}

func NewMulti(logger logrus.FieldLogger, minLevel Level, senders ...Sender) *Multi {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Multi{
		log:      NewLogNotifier(logger),
		senders:  senders,
		minLevel: minLevel,
		logger:   logger.WithField("component", "alert"),
	}
}

func (m *Multi) Notify(ctx context.Context, a Alert) error {
	_ = m.log.Notify(ctx, a)
	if a.Level < m.minLevel {
		return nil
	}

	title := fmt.Sprintf("[%s] %s", a.Level, a.Title)
	var errs []error
	for _, s := range m.senders {
		if err := s.Send(ctx, title, a.Message); err != nil {
			m.logger.WithError(err).WithField("sender", s.Name()).Error("Alert delivery failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*Multi)(nil)
)
