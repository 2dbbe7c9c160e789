package batch

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"geobatch/src/core/fault"
)

const (
	TypeJob    = "job"
	TypeExport = "export"
)

// Message is the submission payload handed to the processing fleet. A
// job message carries the source to process; an export message carries
// the job whose output should be converted.
type Message struct {
	Type    string `json:"type"`
	ID      int64  `json:"id"`
	Job     int64  `json:"job,omitempty"`
	Source  string `json:"source,omitempty"`
	Layer   string `json:"layer,omitempty"`
	Name    string `json:"name,omitempty"`
	Format  string `json:"format,omitempty"`
	CICheck bool   `json:"ci_check,omitempty"`
}

// Submitter publishes work onto the batch queue. The orchestrator only
// ever enqueues; completion comes back over the ping endpoint.
type Submitter struct {
	publisher message.Publisher
	topic     string
}

func NewSubmitter(publisher message.Publisher, topic string) *Submitter {
	return &Submitter{
		publisher: publisher,
		topic:     topic,
	}
}

// SubmitJob enqueues one source for processing. ciCheck rides along so
// the worker knows a check run is waiting on the result.
func (s *Submitter) SubmitJob(id int64, source, layer, name string, ciCheck bool) error {
	return s.submit(Message{
		Type:    TypeJob,
		ID:      id,
		Source:  source,
		Layer:   layer,
		Name:    name,
		CICheck: ciCheck,
	})
}

func (s *Submitter) SubmitExport(id, job int64, format string) error {
	return s.submit(Message{
		Type:   TypeExport,
		ID:     id,
		Job:    job,
		Format: format,
	})
}

func (s *Submitter) submit(m Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", m.Type, err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	middleware.SetCorrelationID(m.Type+"-"+strconv.FormatInt(m.ID, 10), msg)

	if err := s.publisher.Publish(s.topic, msg); err != nil {
		return fault.Unavailable(err, "failed to submit %s %d", m.Type, m.ID)
	}

	return nil
}

func (s *Submitter) Close() error {
	return s.publisher.Close()
}
