package batch

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"geobatch/src/core/fault"
)

type fakePublisher struct {
	topic    string
	messages []*message.Message
	fail     bool
}

func (f *fakePublisher) Publish(topic string, messages ...*message.Message) error {
	if f.fail {
		return errors.New("connection refused")
	}
	f.topic = topic
	f.messages = append(f.messages, messages...)
	return nil
}

func (f *fakePublisher) Close() error {
	return nil
}

func TestSubmitJob(t *testing.T) {
	pub := &fakePublisher{}
	sub := NewSubmitter(pub, "batch_jobs")

	if err := sub.SubmitJob(42, "https://example.com/alameda.json", "addresses", "city", true); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	if pub.topic != "batch_jobs" || len(pub.messages) != 1 {
		t.Fatalf("published %d messages to %q", len(pub.messages), pub.topic)
	}

	var m Message
	if err := json.Unmarshal(pub.messages[0].Payload, &m); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if m.Type != TypeJob || m.ID != 42 || m.Layer != "addresses" || m.Name != "city" {
		t.Errorf("message = %+v", m)
	}
	if !m.CICheck {
		t.Error("ci_check flag dropped from payload")
	}

	if got := middleware.MessageCorrelationID(pub.messages[0]); got != "job-42" {
		t.Errorf("correlation id = %q", got)
	}
}

func TestSubmitExport(t *testing.T) {
	pub := &fakePublisher{}
	sub := NewSubmitter(pub, "batch_jobs")

	if err := sub.SubmitExport(7, 42, "geojson"); err != nil {
		t.Fatalf("SubmitExport: %v", err)
	}

	var m Message
	if err := json.Unmarshal(pub.messages[0].Payload, &m); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if m.Type != TypeExport || m.ID != 7 || m.Job != 42 || m.Format != "geojson" {
		t.Errorf("message = %+v", m)
	}
}

func TestSubmitUnavailable(t *testing.T) {
	sub := NewSubmitter(&fakePublisher{fail: true}, "batch_jobs")

	err := sub.SubmitJob(42, "src", "addresses", "city", false)
	if fault.KindOf(err) != fault.KindUnavailable {
		t.Fatalf("error = %v, want unavailable", err)
	}
}
