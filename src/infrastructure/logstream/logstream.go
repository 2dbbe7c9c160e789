package logstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"

	"geobatch/src/core/fault"
)

// Event is a single line of processing output attached to a job or
// export log stream.
type Event struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

// Client reads processing logs that the batch fleet ships into
// Elasticsearch, one document per line keyed by stream name.
type Client struct {
	es    *elasticsearch.Client
	index string
}

func NewClient(addresses []string, username, password, index string) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Username:  username,
		Password:  password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	return &Client{
		es:    es,
		index: index,
	}, nil
}

type searchHit struct {
	ID     string `json:"_id"`
	Source struct {
		Timestamp int64  `json:"timestamp"`
		Message   string `json:"message"`
	} `json:"_source"`
}

type searchResponse struct {
	Hits struct {
		Hits []searchHit `json:"hits"`
	} `json:"hits"`
}

// Events returns the lines of one log stream in submission order. An
// unknown stream is NotFound so callers can surface it as such.
func (c *Client) Events(ctx context.Context, stream string) ([]Event, error) {
	query := map[string]interface{}{
		"size": 10000,
		"query": map[string]interface{}{
			"term": map[string]interface{}{
				"stream": stream,
			},
		},
		"sort": []map[string]interface{}{
			{"timestamp": map[string]interface{}{"order": "asc"}},
		},
	}

	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log query: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, fault.Unavailable(err, "log store unreachable")
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("log query failed: %s: %s", res.Status(), strings.TrimSpace(string(data)))
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode log response: %w", err)
	}

	if len(parsed.Hits.Hits) == 0 {
		return nil, fault.NotFound("no logs for stream %s", stream)
	}

	events := make([]Event, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		events = append(events, Event{
			ID:        hit.ID,
			Timestamp: hit.Source.Timestamp,
			Message:   hit.Source.Message,
		})
	}

	return events, nil
}
