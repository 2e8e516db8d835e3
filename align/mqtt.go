package align

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// PoseHandler is called when a candidate pose message is received.
// err is set when the payload could not be decoded.
type PoseHandler func(pose Transform, err error)

// CloudHandler is called when a replacement reference cloud is received.
// err is set when the payload could not be decoded.
type CloudHandler func(points PointSet, err error)

// MQTTClient manages the MQTT connection and the pose and cloud subscriptions
type MQTTClient struct {
	client       mqtt.Client
	config       *Config
	poseHandler  PoseHandler
	cloudHandler CloudHandler
	isConnected  bool
	mu           sync.RWMutex
}

// ResolveMQTTConfig applies the MQTT_* environment overrides to the
// configured values. Environment variables win over the config file.
func ResolveMQTTConfig(config *Config) MQTTConfig {
	var resolved MQTTConfig
	if config != nil {
		resolved = config.MQTT
	}

	overrides := []struct {
		env   string
		field *string
	}{
		{"MQTT_BROKER", &resolved.Broker},
		{"MQTT_CLIENT_ID", &resolved.ClientID},
		{"MQTT_USERNAME", &resolved.Username},
		{"MQTT_PASSWORD", &resolved.Password},
		{"MQTT_PUBLISH_PREFIX", &resolved.PublishPrefix},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.field = v
		}
	}

	if resolved.ClientID == "" {
		resolved.ClientID = "fragalign"
	}
	if resolved.PublishPrefix == "" {
		resolved.PublishPrefix = "fragalign"
	}
	return resolved
}

// InitMQTT creates an MQTT client with the provided configuration and starts
// connecting in the background. If no broker is configured (file or
// MQTT_BROKER), MQTT is disabled and this returns nil, nil.
func InitMQTT(config *Config, onPose PoseHandler, onCloud CloudHandler) (*MQTTClient, error) {
	settings := ResolveMQTTConfig(config)
	if settings.Broker == "" {
		log.Println("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil || config.MQTT.PoseTopic == "" {
		return nil, fmt.Errorf("MQTT enabled but mqtt.poseTopic is not configured")
	}

	client := &MQTTClient{
		config:       config,
		poseHandler:  onPose,
		cloudHandler: onCloud,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(settings.Broker)
	opts.SetClientID(settings.ClientID)
	if settings.Username != "" {
		opts.SetUsername(settings.Username)
		opts.SetPassword(settings.Password)
	}

	// Connection settings
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // Preserve subscriptions on reconnect
	opts.SetOrderMatters(false) // Handlers publish, which must not block the router

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	return client, nil
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("Connecting to MQTT broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("Successfully connected to MQTT broker")
				c.setConnected(true)
				return
			}
			log.Printf("MQTT connection failed: %v", token.Error())
		} else {
			log.Println("MQTT connection timeout")
		}

		log.Printf("Retrying MQTT connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay = min(retryDelay*2, maxRetryDelay)
	}
}

// onConnect subscribes to the pose topic and, if configured, the cloud topic
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("MQTT connected, subscribing to alignment topics...")
	c.setConnected(true)

	c.subscribe(client, c.config.MQTT.PoseTopic, c.handlePose)
	if c.config.MQTT.CloudTopic != "" {
		c.subscribe(client, c.config.MQTT.CloudTopic, c.handleCloud)
	}
}

func (c *MQTTClient) subscribe(client mqtt.Client, topic string, handler mqtt.MessageHandler) {
	log.Printf("Subscribing to %s", topic)
	token := client.Subscribe(topic, 1, handler)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("Error subscribing to %s: %v", topic, token.Error())
		return
	}
	log.Printf("Successfully subscribed to %s", topic)
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("MQTT reconnecting...")
}

// handlePose decodes a PoseMessage payload and forwards it as a Transform
func (c *MQTTClient) handlePose(client mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	log.Printf("Received pose (topic: %s, size: %d bytes)", msg.Topic(), len(payload))

	if c.poseHandler == nil {
		return
	}

	var pm PoseMessage
	if err := json.Unmarshal(payload, &pm); err != nil {
		log.Printf("Error decoding pose: %v", err)
		c.poseHandler(Transform{}, fmt.Errorf("decoding pose: %w", err))
		return
	}
	c.poseHandler(pm.Transform(), nil)
}

// handleCloud decodes a point set payload (JSON or zlib JSON)
func (c *MQTTClient) handleCloud(client mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	log.Printf("Received reference cloud (topic: %s, size: %d bytes)", msg.Topic(), len(payload))

	if c.cloudHandler == nil {
		return
	}

	points, err := DecodePointSet(payload)
	if err != nil {
		log.Printf("Error decoding reference cloud: %v", err)
		c.cloudHandler(nil, err)
		return
	}
	c.cloudHandler(points, nil)
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("Disconnecting from MQTT broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock creates an MQTTClient around a provided mqtt.Client
func newMQTTClientWithMock(client mqtt.Client, config *Config, onPose PoseHandler, onCloud CloudHandler) *MQTTClient {
	return &MQTTClient{
		client:       client,
		config:       config,
		poseHandler:  onPose,
		cloudHandler: onCloud,
	}
}
