package mqtt

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// commandHandler applies one inbound message. It runs on the paho
// receive goroutine.
type commandHandler func(ctx context.Context, payload []byte)

const (
	// Inbound commands allowed per minute, refilled evenly. A burst of
	// that many is accepted at once.
	commandsPerMinute = 20
	commandTimeout    = 5 * time.Second
)

// commands routes inbound messages by topic behind a rate limit so a
// misbehaving automation cannot hammer the preference store.
type commands struct {
	limiter  *rate.Limiter
	handlers map[string]commandHandler
	dropped  atomic.Int64
}

func newCommands() *commands {
	return &commands{
		limiter:  rate.NewLimiter(rate.Every(time.Minute/commandsPerMinute), commandsPerMinute),
		handlers: make(map[string]commandHandler),
	}
}

func (c *commands) topics() []string {
	out := make([]string, 0, len(c.handlers))
	for t := range c.handlers {
		out = append(out, t)
	}
	return out
}

// dispatch runs the handler for topic. It reports false when the
// message was dropped by the limiter or had no handler.
func (p *Publisher) dispatch(topic string, payload []byte) bool {
	h, ok := p.commands.handlers[topic]
	if !ok {
		p.logger.Debug("mqtt message on unhandled topic", "topic", topic, "bytes", len(payload))
		return false
	}
	if !p.commands.limiter.Allow() {
		if n := p.commands.dropped.Add(1); n == 1 || n%commandsPerMinute == 0 {
			p.logger.Warn("mqtt commands rate limited", "topic", topic, "dropped", n)
		}
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	h(ctx, payload)
	return true
}

// setCapture handles the capture switch. The new state is echoed at
// once so HA does not wait for the next publish tick.
func (p *Publisher) setCapture(ctx context.Context, payload []byte) {
	on, ok := parseSwitch(payload)
	if !ok {
		p.logger.Warn("mqtt capture command ignored", "payload", string(payload))
		return
	}
	if err := p.capture.SetCaptureEnabled(ctx, on); err != nil {
		p.logger.Error("mqtt capture command failed", "on", on, "error", err)
		return
	}
	p.logger.Info("caption capture switched from Home Assistant", "on", on)
	if cm := p.conn(); cm != nil {
		p.publish(ctx, cm, p.topics.state(captureSwitch.id), []byte(onOff(on)), 0)
	}
}

// parseSwitch accepts HA's ON/OFF and the usual boolean spellings.
func parseSwitch(payload []byte) (on, ok bool) {
	switch strings.ToUpper(strings.TrimSpace(string(payload))) {
	case "ON", "TRUE", "1":
		return true, true
	case "OFF", "FALSE", "0":
		return false, true
	}
	return false, false
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
