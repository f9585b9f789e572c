// Package qdrant persists index records as points of a Qdrant collection.
// Ranking stays in the in-process index; Qdrant only holds the records.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"machina/internal/vectorstore"
)

const scrollPage = 256

// Config locates the collection.
type Config struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

// Store is a minimal REST client to Qdrant implementing vectorstore.RecordStore.
type Store struct {
	url        string
	apiKey     string
	collection string
	client     *http.Client
	created    bool
}

var errNotFound = errors.New("qdrant: not found")

// Open returns a store for cfg. The collection is created on first write.
func Open(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("qdrant: url is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = "machina"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Store{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		client:     &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type point struct {
	ID      uint64    `json:"id"`
	Vector  []float32 `json:"vector"`
	Payload payload   `json:"payload"`
}

type payload struct {
	Text   string `json:"text"`
	Source string `json:"source"`
	Meta   string `json:"meta"`
}

// Load scrolls through the collection. A missing collection holds no records.
func (s *Store) Load(ctx context.Context) ([]vectorstore.Record, error) {
	var records []vectorstore.Record
	var offset any
	for {
		req := map[string]any{
			"limit":        scrollPage,
			"with_payload": true,
			"with_vector":  true,
		}
		if offset != nil {
			req["offset"] = offset
		}
		var resp struct {
			Result struct {
				Points         []point `json:"points"`
				NextPageOffset any     `json:"next_page_offset"`
			} `json:"result"`
		}
		err := s.do(ctx, http.MethodPost, s.collectionURL()+"/points/scroll", req, &resp)
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		s.created = true
		for _, p := range resp.Result.Points {
			records = append(records, vectorstore.Record{
				ID:     p.ID,
				Vector: p.Vector,
				Text:   p.Payload.Text,
				Source: p.Payload.Source,
				Meta:   p.Payload.Meta,
			})
		}
		if resp.Result.NextPageOffset == nil {
			break
		}
		offset = resp.Result.NextPageOffset
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// Append upserts the added records and waits for Qdrant to apply them.
func (s *Store) Append(ctx context.Context, _, added []vectorstore.Record) error {
	if len(added) == 0 {
		return nil
	}
	if !s.created {
		if err := s.create(ctx, len(added[0].Vector)); err != nil {
			return err
		}
	}
	points := make([]point, len(added))
	for i, r := range added {
		points[i] = point{ID: r.ID, Vector: r.Vector, Payload: payload{Text: r.Text, Source: r.Source, Meta: r.Meta}}
	}
	return s.do(ctx, http.MethodPut, s.collectionURL()+"/points?wait=true", map[string]any{"points": points}, nil)
}

func (s *Store) create(ctx context.Context, dimension int) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dimension,
			"distance": "Euclid",
		},
	}
	err := s.do(ctx, http.MethodPut, s.collectionURL(), body, nil)
	var se *statusError
	// 409 means another writer created it first
	if err != nil && !(errors.As(err, &se) && se.code == http.StatusConflict) {
		return err
	}
	s.created = true
	return nil
}

// Reset drops the collection.
func (s *Store) Reset(ctx context.Context) error {
	err := s.do(ctx, http.MethodDelete, s.collectionURL(), nil, nil)
	if err != nil && !errors.Is(err, errNotFound) {
		return err
	}
	s.created = false
	return nil
}

// Close releases idle connections.
func (s *Store) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *Store) collectionURL() string {
	return fmt.Sprintf("%s/collections/%s", s.url, s.collection)
}

type statusError struct {
	method, url string
	code        int
	status      string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("qdrant %s %s failed: %s", e.method, e.url, e.status)
}

func (s *Store) do(ctx context.Context, method, url string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode >= 300 {
		return &statusError{method: method, url: url, code: resp.StatusCode, status: resp.Status}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: qdrant response: %v", vectorstore.ErrCorrupt, err)
		}
	}
	return nil
}
