// Package ingest feeds device position reports received over MQTT into the
// tracking engine.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"bus-tracker/internal/tracking"
)

// DefaultTopic matches fleet/vehicle/<code>/location.
const DefaultTopic = "fleet/vehicle/+/location"

// deviceActor is the grant actor for reports arriving on the device channel.
const deviceActor = "mqtt-device"

const handleTimeout = 5 * time.Second

type Reporter interface {
	ReportPosition(ctx context.Context, code string, r tracking.Report, g tracking.Grant) (tracking.ReportResult, error)
}

// LocationMessage is the JSON body devices publish.
type LocationMessage struct {
	Latitude  *float64 `json:"latitude" validate:"required,latitude"`
	Longitude *float64 `json:"longitude" validate:"required,longitude"`
	Bearing   *float64 `json:"bearing,omitempty" validate:"omitempty,gte=0,lt=360"`
	Timestamp int64    `json:"timestamp,omitempty" validate:"omitempty,gt=0"`
}

func Connect(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logrus.WithError(err).Warn("mqtt connection lost")
		})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return client, nil
}

type Subscriber struct {
	client   mqtt.Client
	topic    string
	reporter Reporter
	validate *validator.Validate
}

func NewSubscriber(client mqtt.Client, topic string, r Reporter) *Subscriber {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Subscriber{client: client, topic: topic, reporter: r, validate: validator.New()}
}

func (s *Subscriber) Start() error {
	token := s.client.Subscribe(s.topic, 1, s.handleMessage)
	token.Wait()
	return token.Error()
}

func (s *Subscriber) Stop() {
	token := s.client.Unsubscribe(s.topic)
	token.WaitTimeout(time.Second)
}

func (s *Subscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	log := logrus.WithField("topic", msg.Topic())
	code, err := vehicleFromTopic(msg.Topic())
	if err != nil {
		log.WithError(err).Warn("ignoring message")
		return
	}
	log = log.WithField("vehicle", code)

	r, err := s.decode(msg.Payload())
	if err != nil {
		log.WithError(err).Warn("invalid location message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	if _, err := s.reporter.ReportPosition(ctx, code, r, tracking.Allow(deviceActor)); err != nil {
		entry := log.WithError(err).WithField("kind", tracking.KindOf(err))
		if errors.Is(err, tracking.ErrInternal) {
			entry.Error("report failed")
			return
		}
		entry.Debug("report rejected")
	}
}

func (s *Subscriber) decode(payload []byte) (tracking.Report, error) {
	var m LocationMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return tracking.Report{}, err
	}
	if err := s.validate.Struct(m); err != nil {
		return tracking.Report{}, err
	}
	r := tracking.Report{Lat: *m.Latitude, Lng: *m.Longitude, Bearing: m.Bearing}
	if m.Timestamp > 0 {
		r.At = time.Unix(m.Timestamp, 0)
	}
	return r, nil
}

// vehicleFromTopic returns the segment preceding the trailing "location".
func vehicleFromTopic(topic string) (string, error) {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) < 2 || parts[len(parts)-1] != "location" {
		return "", fmt.Errorf("unexpected topic %q", topic)
	}
	code := strings.TrimSpace(parts[len(parts)-2])
	if code == "" {
		return "", fmt.Errorf("unexpected topic %q", topic)
	}
	return code, nil
}

// LocationTopic builds the topic a device publishes its reports on.
func LocationTopic(code string) string {
	return "fleet/vehicle/" + code + "/location"
}
