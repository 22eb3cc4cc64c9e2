package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-driver/internal/models"
)

var errNoDriver = errors.New("no active driver for location mirror")

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer mirrors uploaded location samples to a Kafka topic keyed by
// driver id so fleet tooling can consume the same stream the backend sees.
type KafkaProducer struct {
	writer   MessageWriter
	driverID func() (string, bool)
	timeout  time.Duration
}

func NewKafkaProducer(brokers []string, topic string, driverID func() (string, bool)) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.LeastBytes{}}
	return newKafkaProducer(w, driverID)
}

func newKafkaProducer(w MessageWriter, driverID func() (string, bool)) *KafkaProducer {
	return &KafkaProducer{writer: w, driverID: driverID, timeout: 2 * time.Second}
}

type locationMessage struct {
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

func (k *KafkaProducer) PushLocation(ctx context.Context, s models.LocationSample) error {
	id, ok := k.driverID()
	if !ok {
		return errNoDriver
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(locationMessage{DriverID: id, Lat: s.Lat, Lon: s.Lon, Accuracy: s.Accuracy, Timestamp: s.Timestamp})
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(id), Value: b, Time: s.Timestamp})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
