package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"

	"spa_engine/internal/logger"
	"spa_engine/internal/models"
	"spa_engine/internal/service"
)

// Topics lays out the mirror's topic tree under Prefix.
type Topics struct {
	Prefix string
}

func (t Topics) join(leaf string) string {
	p := strings.TrimSuffix(t.Prefix, "/")
	if p == "" {
		p = "spa"
	}
	return p + "/" + leaf
}

func (t Topics) State() string      { return t.join("state") }
func (t Topics) Connection() string { return t.join("connection") }
func (t Topics) Events() string     { return t.join("events") }
func (t Topics) Status() string     { return t.join("status") }

// Publisher is the part of Client the mirror needs.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

type eventSource interface {
	SubscribePassive() *service.Subscription
}

// Mirror republishes engine events to MQTT. It is a passive broadcaster subscriber, so a
// slow or absent broker only costs the mirror its own events.
type Mirror struct {
	src     eventSource
	pub     Publisher
	topics  Topics
	log     *logger.Logger
	failing atomic.Bool
}

func NewMirror(src eventSource, pub Publisher, topics Topics, log *logger.Logger) *Mirror {
	if log == nil {
		log = logger.Nop()
	}
	return &Mirror{src: src, pub: pub, topics: topics, log: log}
}

// Run forwards events until ctx is canceled or the subscription ends.
func (m *Mirror) Run(ctx context.Context) {
	sub := m.src.SubscribePassive()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			m.forward(ev)
		}
	}
}

func (m *Mirror) forward(ev models.Event) {
	var (
		topic    string
		retained bool
	)
	switch ev.Type {
	case models.EventStateUpdate:
		topic, retained = m.topics.State(), true
	case models.EventConnectionUpdate:
		topic, retained = m.topics.Connection(), true
	case models.EventLog:
		topic = m.topics.Events()
	default:
		return
	}

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		m.log.Errorw("mqtt_encode_failed", "type", ev.Type, "err", err)
		return
	}
	if err := m.pub.Publish(topic, payload, retained); err != nil {
		if m.failing.CompareAndSwap(false, true) {
			m.log.Warnw("mqtt_publish_failed", "topic", topic, "err", err)
		}
		return
	}
	if m.failing.CompareAndSwap(true, false) {
		m.log.Infow("mqtt_publish_recovered", "topic", topic)
	}
}
