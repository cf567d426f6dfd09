package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"heatersync/internal/core"
)

const (
	defaultTopicPrefix     = "heatersync"
	defaultDiscoveryPrefix = "homeassistant"
	publishTimeout         = 5 * time.Second
	commandTimeout         = 60 * time.Second
	commandQueueSize       = 16
)

// Home Assistant water_heater operation modes
const (
	haModeOff      = "off"
	haModeElectric = "electric"
	haModeEco      = "eco"
)

// MQTTClient is the part of mqtt.Client the bridge uses
type MQTTClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// BridgeConfig names the topics the bridge uses
type BridgeConfig struct {
	TopicPrefix     string
	DiscoveryPrefix string
	// UniqueID identifies the heater in Home Assistant, usually the plant id
	UniqueID string
	Name     string
	Limits   core.TemperatureLimits
}

type waterHeaterConfiguration struct {
	UniqueId                string   `json:"unique_id"`
	Name                    string   `json:"name"`
	Modes                   []string `json:"modes"`
	ModeStateTopic          string   `json:"mode_state_topic"`
	ModeCommandTopic        string   `json:"mode_command_topic"`
	TemperatureStateTopic   string   `json:"temperature_state_topic"`
	TemperatureCommandTopic string   `json:"temperature_command_topic"`
	CurrentTemperatureTopic string   `json:"current_temperature_topic"`
	PowerCommandTopic       string   `json:"power_command_topic"`
	MinTemp                 float64  `json:"min_temp"`
	MaxTemp                 float64  `json:"max_temp"`
	TemperatureUnit         string   `json:"temperature_unit"`
	Precision               float64  `json:"precision"`
}

// command is one decoded inbound set request
type command struct {
	topic string
	attr  Attribute
	value any
}

// MQTTBridge exposes the accessory over MQTT with Home Assistant discovery.
// Inbound commands are queued and applied in arrival order by one worker, so
// paho's delivery goroutine never waits on the remote API.
type MQTTBridge struct {
	client    MQTTClient
	accessory *Accessory
	cfg       BridgeConfig
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  *core.DeviceState
	wake     chan struct{}
	commands chan command
	done     chan struct{}
	wg       sync.WaitGroup
	started  bool
	closed   bool
}

// NewMQTTBridge creates a new bridge
func NewMQTTBridge(client MQTTClient, accessory *Accessory, cfg BridgeConfig, logger *slog.Logger) *MQTTBridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = defaultDiscoveryPrefix
	}
	if cfg.Name == "" {
		cfg.Name = "Water Heater"
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MQTTBridge{
		client:    client,
		accessory: accessory,
		cfg:       cfg,
		logger:    logger.With("component", "mqtt-bridge"),
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		commands:  make(chan command, commandQueueSize),
		done:      make(chan struct{}),
	}
}

// StateTopic returns the topic attr's state is published on
func (b *MQTTBridge) StateTopic(attr Attribute) string {
	return fmt.Sprintf("%s/%s/state", b.cfg.TopicPrefix, topicName(attr))
}

// CommandTopic returns the topic attr is set through
func (b *MQTTBridge) CommandTopic(attr Attribute) string {
	return fmt.Sprintf("%s/%s/set", b.cfg.TopicPrefix, topicName(attr))
}

func (b *MQTTBridge) modeStateTopic() string {
	return b.cfg.TopicPrefix + "/mode/state"
}

func (b *MQTTBridge) modeCommandTopic() string {
	return b.cfg.TopicPrefix + "/mode/set"
}

// DiscoveryTopic returns the retained Home Assistant config topic
func (b *MQTTBridge) DiscoveryTopic() string {
	return fmt.Sprintf("%s/water_heater/%s/config", b.cfg.DiscoveryPrefix, b.uniqueID())
}

func (b *MQTTBridge) uniqueID() string {
	id := b.cfg.UniqueID
	if id == "" {
		id = "default"
	}
	return "heatersync_" + strings.ReplaceAll(strings.ToLower(id), " ", "_")
}

// topicName turns CurrentTemperature into current_temperature
func topicName(attr Attribute) string {
	var sb strings.Builder
	for i, r := range string(attr) {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				sb.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Register publishes the discovery config and subscribes to command topics
func (b *MQTTBridge) Register() error {
	configuration, err := json.Marshal(waterHeaterConfiguration{
		UniqueId:                b.uniqueID(),
		Name:                    b.cfg.Name,
		Modes:                   []string{haModeOff, haModeElectric, haModeEco},
		ModeStateTopic:          b.modeStateTopic(),
		ModeCommandTopic:        b.modeCommandTopic(),
		TemperatureStateTopic:   b.StateTopic(AttrTargetTemperature),
		TemperatureCommandTopic: b.CommandTopic(AttrTargetTemperature),
		CurrentTemperatureTopic: b.StateTopic(AttrCurrentTemperature),
		PowerCommandTopic:       b.CommandTopic(AttrActive),
		MinTemp:                 b.cfg.Limits.Min,
		MaxTemp:                 b.cfg.Limits.Max,
		TemperatureUnit:         "C",
		Precision:               1.0,
	})
	if err != nil {
		return err
	}

	if err := b.publish(b.DiscoveryTopic(), configuration); err != nil {
		return fmt.Errorf("publish discovery config: %w", err)
	}

	if err := b.subscribe(b.modeCommandTopic(), func(payload string) (Attribute, any, error) {
		mode, err := fromHAMode(payload)
		return AttrTargetHeaterState, string(mode), err
	}); err != nil {
		return err
	}

	for _, attr := range Attributes {
		if !attr.Writable() {
			continue
		}
		attr := attr
		if err := b.subscribe(b.CommandTopic(attr), func(payload string) (Attribute, any, error) {
			return attr, payload, nil
		}); err != nil {
			return err
		}
	}

	b.logger.Info("Registered water heater", "discovery_topic", b.DiscoveryTopic())
	return nil
}

func (b *MQTTBridge) subscribe(topic string, decode func(payload string) (Attribute, any, error)) error {
	t := b.client.Subscribe(topic, 0, b.wrapHandler(decode))
	if !t.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe %s: timed out", topic)
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// wrapHandler decodes a message and queues it. It never blocks and recovers
// from panics so a bad payload cannot take down paho's router.
func (b *MQTTBridge) wrapHandler(decode func(string) (Attribute, any, error)) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()

		topic, payload := msg.Topic(), string(msg.Payload())
		attr, value, err := decode(payload)
		if err != nil {
			b.logger.Warn("Ignoring malformed command", "topic", topic, "payload", payload, "error", err)
			return
		}
		b.enqueue(command{topic: topic, attr: attr, value: value})
	}
}

func (b *MQTTBridge) enqueue(cmd command) {
	select {
	case <-b.done:
		b.logger.Warn("Dropping command, bridge closed", "topic", cmd.topic)
	case b.commands <- cmd:
	default:
		b.logger.Warn("Dropping command, queue full", "topic", cmd.topic, "queue_size", commandQueueSize)
	}
}

func (b *MQTTBridge) runCommands() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case cmd := <-b.commands:
			b.handleCommand(cmd)
		}
	}
}

func (b *MQTTBridge) handleCommand(cmd command) {
	logger := b.logger.With("topic", cmd.topic, "attribute", cmd.attr)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("MQTT command panic recovered", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	if _, err := b.accessory.OnSet(ctx, cmd.attr, cmd.value); err != nil {
		logger.Error("MQTT command failed", "error", err)
		return
	}
	logger.Debug("MQTT command applied")
}

// Start runs the publisher loop and the command worker until Close
func (b *MQTTBridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return
	}
	b.started = true
	b.wg.Add(2)
	go b.run()
	go b.runCommands()
}

// Notify queues state for publishing. Only the newest pending state is kept,
// so a slow broker never blocks the caller.
func (b *MQTTBridge) Notify(state core.DeviceState) {
	b.mu.Lock()
	b.pending = &state
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *MQTTBridge) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case <-b.wake:
			b.mu.Lock()
			state := b.pending
			b.pending = nil
			b.mu.Unlock()

			if state != nil {
				if err := b.PublishState(*state); err != nil {
					b.logger.Warn("MQTT publishing failed", "error", err)
				}
			}
		}
	}
}

// Close stops both loops. A command still running is cancelled and
// waited for.
func (b *MQTTBridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.cancel()
	b.wg.Wait()
}

// PublishState publishes every attribute of state as retained messages
func (b *MQTTBridge) PublishState(state core.DeviceState) error {
	if err := b.publish(b.modeStateTopic(), toHAMode(state.TargetMode())); err != nil {
		return err
	}
	for _, attr := range Attributes {
		v, err := AttributeValue(state, attr)
		if err != nil {
			return err
		}
		if err := b.publish(b.StateTopic(attr), formatValue(v)); err != nil {
			return err
		}
	}
	return nil
}

func (b *MQTTBridge) publish(topic string, payload interface{}) error {
	t := b.client.Publish(topic, 0, true, payload)
	if !t.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func formatValue(v any) string {
	switch v := v.(type) {
	case bool:
		if v {
			return "ON"
		}
		return "OFF"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func toHAMode(m core.TargetMode) string {
	switch m {
	case core.TargetAuto:
		return haModeEco
	case core.TargetHeat:
		return haModeElectric
	default:
		return haModeOff
	}
}

func fromHAMode(s string) (core.TargetMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case haModeOff:
		return core.TargetOff, nil
	case haModeElectric:
		return core.TargetHeat, nil
	case haModeEco:
		return core.TargetAuto, nil
	}
	return "", fmt.Errorf("%w: unknown water heater mode %q", core.ErrValidation, s)
}

// NewClientOptions builds paho options for a broker URL
func NewClientOptions(brokerURL, clientID, username, password string) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
	// handlers only queue, so in-order delivery never stalls the router
	opts.SetOrderMatters(true)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	return opts
}
