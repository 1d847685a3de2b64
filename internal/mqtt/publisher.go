package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/botodachi/internal/config"
)

// NowWatching describes the page the extension heard from last. It is
// also published as the now_watching attributes.
type NowWatching struct {
	Title    string  `json:"title"`
	VideoID  string  `json:"video_id,omitempty"`
	Platform string  `json:"platform"`
	Position float64 `json:"position"`
	Paused   bool    `json:"paused"`
	Cues     int     `json:"cues"`
}

// StatsSource supplies sensor values. main wires an adapter over the
// companion service.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	DefaultModel() string
	OpenPages() int
	QuestionsToday() int
	// LastAnswered is zero before the first answer.
	LastAnswered() time.Time
	// NowWatching reports ok=false when no page is open.
	NowWatching() (w NowWatching, ok bool)
}

// CaptureControl reads and flips the caption capture preference.
type CaptureControl interface {
	CaptureEnabled() bool
	SetCaptureEnabled(ctx context.Context, on bool) error
}

// errNotStarted is returned by AwaitConnection before Start.
var errNotStarted = errors.New("mqtt publisher not started")

// Publisher owns the broker connection and the HA entities.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     Device
	topics     topics
	tokens     *DailyTokens
	stats      StatsSource
	capture    CaptureControl
	commands   *commands
	logger     *slog.Logger

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// New returns an unconnected Publisher. capture may be nil, which drops
// the capture switch. A nil tokens counts in local time.
func New(cfg config.MQTTConfig, instanceID string, tokens *DailyTokens, stats StatsSource, capture CaptureControl, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if tokens == nil {
		tokens = NewDailyTokens(nil)
	}
	p := &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDevice(instanceID, cfg.DeviceName),
		topics:     topics{device: cfg.DeviceName, prefix: cfg.DiscoveryPrefix},
		tokens:     tokens,
		stats:      stats,
		capture:    capture,
		commands:   newCommands(),
		logger:     logger.With("component", "mqtt"),
	}
	if capture != nil {
		p.commands.handlers[p.topics.command(captureSwitch.id)] = p.setCapture
	}
	return p
}

// Device returns the HA device block shared by every entity.
func (p *Publisher) Device() Device { return p.device }

func (p *Publisher) clientConfig(ctx context.Context, broker *url.URL) autopaho.ClientConfig {
	cc := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{broker},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.topics.availability(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected", "broker", p.cfg.Broker)
			p.announce(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "botodachi-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.dispatch(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}
	if broker.Scheme == "mqtts" || broker.Scheme == "ssl" {
		cc.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cc
}

// Start connects and publishes states every PublishInterval until ctx
// is done. autopaho keeps reconnecting in the background, so a broker
// that is down at startup only delays the first publish.
func (p *Publisher) Start(ctx context.Context) error {
	broker, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	cm, err := autopaho.NewConnection(ctx, p.clientConfig(ctx, broker))
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = cm.AwaitConnection(waitCtx)
	cancel()
	if err != nil && ctx.Err() == nil {
		p.logger.Warn("mqtt broker not reachable yet, retrying in background", "error", err)
	}

	interval := p.cfg.PublishInterval
	if interval <= 0 {
		interval = config.DefaultPublishInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.publishStates(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Stop announces "offline" and disconnects. ctx bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	_ = p.publish(ctx, cm, p.topics.availability(), []byte("offline"), 1)
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. connwatch uses it as the broker probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return errNotStarted
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

// publish sends a retained message.
func (p *Publisher) publish(ctx context.Context, cm *autopaho.ConnectionManager, topic string, payload []byte, qos byte) error {
	_, err := cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: qos, Retain: true})
	if err != nil {
		p.logger.Debug("mqtt publish failed", "topic", topic, "error", err)
	}
	return err
}

// announce runs on every (re-)connect: discovery configs, the birth
// message, then command subscriptions.
func (p *Publisher) announce(ctx context.Context, cm *autopaho.ConnectionManager) {
	published := 0
	for _, e := range p.entities() {
		payload, err := json.Marshal(p.discovery(e))
		if err != nil {
			p.logger.Error("mqtt discovery payload", "entity", e.id, "error", err)
			continue
		}
		if p.publish(ctx, cm, p.topics.config(e.component, e.id), payload, 1) == nil {
			published++
		}
	}
	p.logger.Debug("mqtt discovery published", "entities", published)

	if err := p.publish(ctx, cm, p.topics.availability(), []byte("online"), 1); err != nil {
		p.logger.Warn("mqtt birth message failed", "error", err)
	}

	topics := p.commands.topics()
	if len(topics) == 0 {
		return
	}
	subs := make([]paho.SubscribeOptions, len(topics))
	for i, t := range topics {
		subs[i] = paho.SubscribeOptions{Topic: t, QoS: 1}
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "topics", topics, "error", err)
	}
}

// stateValues computes the state payload of every entity.
func (p *Publisher) stateValues() map[string]string {
	states := map[string]string{
		"uptime":          p.stats.Uptime().Truncate(time.Second).String(),
		"version":         p.stats.Version(),
		"default_model":   p.stats.DefaultModel(),
		"open_pages":      strconv.Itoa(p.stats.OpenPages()),
		"questions_today": strconv.Itoa(p.stats.QuestionsToday()),
		"tokens_today":    strconv.FormatInt(p.tokens.Today().Total(), 10),
		"last_question":   "never",
		"now_watching":    "idle",
		"platform":        "none",
		"position":        "0",
		"buffered_cues":   "0",
	}
	if last := p.stats.LastAnswered(); !last.IsZero() {
		states["last_question"] = last.Format(time.RFC3339)
	}
	if w, ok := p.stats.NowWatching(); ok {
		states["now_watching"] = w.Title
		if w.Title == "" {
			states["now_watching"] = "Unknown Video"
		}
		states["platform"] = w.Platform
		states["position"] = strconv.FormatInt(int64(math.Floor(w.Position)), 10)
		states["buffered_cues"] = strconv.Itoa(w.Cues)
	}
	if p.capture != nil {
		states[captureSwitch.id] = onOff(p.capture.CaptureEnabled())
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	cm := p.conn()
	if cm == nil {
		return
	}
	states := p.stateValues()
	for id, v := range states {
		_ = p.publish(ctx, cm, p.topics.state(id), []byte(v), 0)
	}
	if w, ok := p.stats.NowWatching(); ok {
		if attrs, err := json.Marshal(w); err == nil {
			_ = p.publish(ctx, cm, p.topics.attributes("now_watching"), attrs, 0)
		}
	}
	p.logger.Debug("mqtt states published", "entities", len(states))
}
