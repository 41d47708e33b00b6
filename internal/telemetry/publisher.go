package telemetry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Event is one energy update for a running session. PowerKW is the implied
// instantaneous draw over the interval that produced the reading.
type Event struct {
	StationID     string    `json:"station_id"`
	TransactionID int64     `json:"transaction_id"`
	EnergyKWh     float64   `json:"energy_kwh"`
	PowerKW       float64   `json:"power_kw"`
	At            time.Time `json:"at"`
}

const (
	subscriberBuffer = 8
	mqttPublishWait  = 2 * time.Second
)

// Publisher fans energy updates out to in-process subscribers and, when a
// broker is configured, to MQTT. Delivery is at-most-once: a slow subscriber
// drops events and catches up from the ledger.
type Publisher struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event

	mqtt        paho.Client
	topicPrefix string
	logger      *zap.Logger
}

// NewPublisher builds a publisher. mqttClient may be nil.
func NewPublisher(mqttClient paho.Client, topicPrefix string, logger *zap.Logger) *Publisher {
	if topicPrefix == "" {
		topicPrefix = "chargepilot"
	}
	return &Publisher{
		subs:        make(map[int]chan Event),
		mqtt:        mqttClient,
		topicPrefix: topicPrefix,
		logger:      logger,
	}
}

// Subscribe registers a new observer. The returned cancel func must be called
// to release the channel.
func (p *Publisher) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	ch := make(chan Event, subscriberBuffer)
	p.subs[id] = ch

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if existing, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

// Publish broadcasts the event. Never blocks the caller.
func (p *Publisher) Publish(ev Event) {
	p.mu.Lock()
	for _, ch := range p.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	p.mu.Unlock()

	p.publishMQTT(ev)
}

func (p *Publisher) publishMQTT(ev Event) {
	if p.mqtt == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("marshal telemetry event failed", zap.Error(err))
		return
	}
	topic := fmt.Sprintf("%s/telemetry/%s", p.topicPrefix, ev.StationID)
	token := p.mqtt.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(mqttPublishWait) {
		p.logger.Warn("mqtt publish timed out", zap.String("topic", topic))
		return
	}
	if err := token.Error(); err != nil {
		p.logger.Warn("mqtt publish failed", zap.String("topic", topic), zap.Error(err))
	}
}
