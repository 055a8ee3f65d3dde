package resulter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/freundallein/erpexport/chassis/monkey"
	"github.com/freundallein/erpexport/chassis/queue"
)

// EventFileDownloaded ...
const EventFileDownloaded = "file_downloaded"

// Message - notification about a stored export file
type Message struct {
	Event      string    `json:"event"`
	RunID      string    `json:"run_id"`
	Job        string    `json:"job"`
	ModuleName string    `json:"module_name"`
	FilePrefix string    `json:"file_prefix"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	URL        string    `json:"url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// JSON - convert struct to json
func (m *Message) JSON() (string, error) {
	bin, err := json.Marshal(m)
	return string(bin), err
}

// FromJSON - convert json to struct
func (m *Message) FromJSON(jsonString string) error {
	return json.Unmarshal([]byte(jsonString), m)
}

// Publisher hands stored files over to downstream report generation.
type Publisher struct {
	queue queue.Client
	chaos *monkey.Monkey
	log   *logrus.Entry
}

// New - a nil queue makes Publish a no-op
func New(q queue.Client, chaos *monkey.Monkey, log *logrus.Entry) *Publisher {
	return &Publisher{
		queue: q,
		chaos: chaos,
		log:   log,
	}
}

// Publish ...
func (p *Publisher) Publish(ctx context.Context, msg *Message) error {
	if p == nil || p.queue == nil {
		return nil
	}
	if msg.Event == "" {
		msg.Event = EventFileDownloaded
	}
	jsonMsg, err := msg.JSON()
	err = p.chaos.RandomizeError(err)
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}
	err = p.queue.SendMessage(ctx, jsonMsg)
	err = p.chaos.RandomizeError(err)
	if err != nil {
		p.log.WithFields(logrus.Fields{
			"event": "result_send_failed",
			"runID": msg.RunID,
		}).Error(err)
		return fmt.Errorf("send message: %w", err)
	}
	p.log.WithFields(logrus.Fields{
		"event":  "result_sent",
		"runID":  msg.RunID,
		"prefix": msg.FilePrefix,
	}).Info("file notification sent")
	return nil
}
