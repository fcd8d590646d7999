package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/arbnet/coordinator/internal/logger"
	"github.com/arbnet/coordinator/internal/model"
)

// Notifier owns the channels, the circular history, and the cooldown
// manager, and is the single place that decides whether an alert is
// actually delivered: components elsewhere only nominate alerts via
// Notify, they never suppress.
type Notifier struct {
	mu       sync.Mutex
	channels []Channel
	breakers map[string]*gobreaker.CircuitBreaker
	history  *History
	cooldown *Cooldown
	log      logger.Logger

	failureThreshold int
	resetTimeout     time.Duration
}

// NewNotifier creates a Notifier. Per-channel circuit breakers are created
// lazily so tests can add channels after construction.
func NewNotifier(channels []Channel, historySize int, cooldown *Cooldown, failureThreshold int, resetTimeout time.Duration, log logger.Logger) *Notifier {
	return &Notifier{
		channels:         channels,
		breakers:         make(map[string]*gobreaker.CircuitBreaker),
		history:          NewHistory(historySize),
		cooldown:         cooldown,
		log:              log,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
	}
}

// Notify nominates an alert for delivery. Cooldown gates whether it is
// actually sent to channels; the alert is always recorded in history
// regardless, so GetAlertHistory reflects every nomination, not just the
// ones that survived cooldown.
func (n *Notifier) Notify(ctx context.Context, a model.Alert) {
	n.history.Append(a)

	if !n.cooldown.ShouldSendAndRecord(a.CooldownKey()) {
		n.log.Debug("alert suppressed by cooldown", "type", a.Type, "service", a.Service)
		return
	}

	n.mu.Lock()
	channels := append([]Channel(nil), n.channels...)
	n.mu.Unlock()

	if len(channels) == 0 {
		// Avoid a duplicate WARN: the coordinator already logs the
		// triggering condition, so an unconfigured notifier logs at DEBUG.
		n.log.Debug("alert (no channels configured)", "type", a.Type, "severity", a.Severity, "message", a.Message)
		return
	}

	for _, ch := range channels {
		n.sendThroughBreaker(ctx, ch, a)
	}
}

func (n *Notifier) sendThroughBreaker(ctx context.Context, ch Channel, a model.Alert) {
	breaker := n.breakerFor(ch.Name())

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, ch.Send(ctx, a)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			n.log.Debug("alert channel circuit open, skipping", "channel", ch.Name())
			return
		}
		n.log.Warn("alert channel delivery failed", "channel", ch.Name(), "error", err.Error())
		return
	}
}

func (n *Notifier) breakerFor(name string) *gobreaker.CircuitBreaker {
	n.mu.Lock()
	defer n.mu.Unlock()

	if b, ok := n.breakers[name]; ok {
		return b
	}

	log := n.log
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("alert-channel-%s", name),
		MaxRequests: 1,
		Interval:    0,
		Timeout:     n.resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(n.failureThreshold)
		},
		OnStateChange: func(breakerName string, from, to gobreaker.State) {
			if to == gobreaker.StateClosed {
				log.Info("alert channel circuit closed", "channel", breakerName)
			} else if to == gobreaker.StateOpen {
				log.Warn("alert channel circuit opened", "channel", breakerName)
			}
		},
	})
	n.breakers[name] = b
	return b
}

// GetAlertHistory returns up to limit alerts, newest-first.
func (n *Notifier) GetAlertHistory(limit int) []model.Alert {
	return n.history.GetAlertHistory(limit)
}

// AddChannel registers an additional delivery channel at runtime.
func (n *Notifier) AddChannel(ch Channel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = append(n.channels, ch)
}
