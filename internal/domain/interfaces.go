package domain

import "time"

// Document represents a single source text loaded into the system.
type Document struct {
	ID      string
	Path    string
	Content string
}

// Chunk is a bounded, contiguous part of a document used for indexing.
type Chunk struct {
	Source string
	Text   string
	Index  int
}

// Passage is a retrieved chunk text with its similarity score in (0,1].
type Passage struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// Machine is a monitored piece of equipment.
type Machine struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Location  string    `json:"location,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Reading is one timestamped sensor value recorded for a machine.
type Reading struct {
	ID         int64     `json:"id"`
	MachineID  int64     `json:"machine_id"`
	Timestamp  time.Time `json:"timestamp"`
	SensorType string    `json:"sensor_type"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
}

// Chunker splits documents into chunks suitable for retrieval indexing.
type Chunker interface {
	Chunk(document Document) []Chunk
}

// Summarizer produces a brief digest of the provided passages.
type Summarizer interface {
	Summarize(passages []Passage, query string, maxSentences int) string
}
