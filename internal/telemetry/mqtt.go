package telemetry

import (
	"errors"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const mqttConnectWait = 5 * time.Second

// NewMQTTClient connects a paho client for the broadcast leg. Call only when
// a broker is configured.
func NewMQTTClient(broker, clientID, username, password string) (paho.Client, error) {
	if broker == "" {
		return nil, errors.New("telemetry: mqtt broker is empty")
	}
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetUsername(username).
		SetPassword(password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(mqttConnectWait)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectWait) {
		return nil, errors.New("telemetry: mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return client, nil
}
