package services

import (
	"fmt"
	"sync"
	"time"

	"huehub/logger"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

var (
	DefaultMqttService *MqttService
	once               sync.Once
)

type MqttService struct {
	id string

	client mqtt.Client

	mu       sync.Mutex                     // guards topics, handlers and running
	topics   map[string]byte                // topic -> qos, resubscribed on every connect
	handlers map[string]mqtt.MessageHandler // topic -> handler
	running  bool

	logger zerolog.Logger
}

func InitMqttService(id, brokerURL, user, password string) error {
	var initErr error
	once.Do(func() {
		DefaultMqttService = NewMqttService(id, brokerURL, user, password)
		initErr = DefaultMqttService.Start()
	})
	return initErr
}

// GetMqttService returns the default MqttService instance
func GetMqttService() *MqttService {
	return DefaultMqttService
}

// NewMqttService creates a client that reconnects on its own and restores
// its subscriptions after each connect. It does not connect until Start.
func NewMqttService(id, brokerURL, user, password string) *MqttService {
	opts := mqtt.NewClientOptions().AddBroker(brokerURL).SetClientID(id).SetOrderMatters(false)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectRetry(true)

	opts.SetUsername(user)
	opts.SetPassword(password)

	service := &MqttService{
		id:       id,
		topics:   make(map[string]byte),
		handlers: make(map[string]mqtt.MessageHandler),
		logger:   logger.WithComponent("mqtt"),
	}

	opts.SetOnConnectHandler(service.onConnectHandler)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		service.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	service.client = mqtt.NewClient(opts)

	return service
}

// AddSubscriptionTopic registers handler for topic. It may be called before
// Start or while running.
func (s *MqttService) AddSubscriptionTopic(topic string, qos byte, handler mqtt.MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.topics[topic] = qos
	s.handlers[topic] = handler

	if s.running && s.client.IsConnected() {
		s.subscribeToTopic(topic, qos)
	}
}

func (s *MqttService) subscribeToTopic(topic string, qos byte) {
	handler, exists := s.handlers[topic]
	if !exists {
		s.logger.Error().Str("topic", topic).Msg("No handler registered for topic")
		return
	}

	token := s.client.Subscribe(topic, qos, handler)
	token.Wait()
	if token.Error() != nil {
		s.logger.Error().Err(token.Error()).Str("topic", topic).Msg("Failed to subscribe to topic")
	} else {
		s.logger.Debug().Str("topic", topic).Uint8("qos", qos).Msg("Subscribed to topic")
	}
}

func (s *MqttService) onConnectHandler(client mqtt.Client) {
	s.logger.Info().Msg("MQTT client connected")
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.topics) == 0 {
		return
	}
	s.logger.Info().Int("topics", len(s.topics)).Msg("Resubscribing")
	for topic, qos := range s.topics {
		s.subscribeToTopic(topic, qos)
	}
}

func (s *MqttService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("MQTT client service is already running")
	}
	s.logger.Info().Msg("Starting MQTT client service")

	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect MQTT client: %w", token.Error())
	}
	s.running = true
	return nil
}

func (s *MqttService) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	s.logger.Info().Msg("MQTT client service stopped")
}

func (s *MqttService) PublishMessage(topic string, qos byte, retained bool, payload interface{}) error {
	if !s.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected, cannot publish to '%s'", topic)
	}
	token := s.client.Publish(topic, qos, retained, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish message to topic '%s': %w", topic, token.Error())
	}
	s.logger.Trace().Str("topic", topic).Msg("Published message")
	return nil
}

func (s *MqttService) GetClient() mqtt.Client {
	return s.client
}

// Topics returns the registered subscription topics.
func (s *MqttService) Topics() map[string]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]byte, len(s.topics))
	for topic, qos := range s.topics {
		out[topic] = qos
	}
	return out
}

func (s *MqttService) Unsubscribe(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.topics[topic]; !exists {
		return fmt.Errorf("topic '%s' is not subscribed", topic)
	}

	if s.running && s.client.IsConnected() {
		token := s.client.Unsubscribe(topic)
		token.Wait()
		if token.Error() != nil {
			return fmt.Errorf("failed to unsubscribe from topic '%s': %w", topic, token.Error())
		}
		s.logger.Debug().Str("topic", topic).Msg("Unsubscribed from topic")
	}

	delete(s.topics, topic)
	delete(s.handlers, topic)

	return nil
}
