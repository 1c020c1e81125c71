package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidDateRange is returned when a query's end date precedes its start date.
var ErrInvalidDateRange = errors.New("invalid date range: end before start")

// Document types.
const (
	DocTypeManual    = "manual"
	DocTypeGuideline = "guideline"
	DocTypeOther     = "other"
)

// Observation data types.
const (
	DataWaterQuality = "water_quality"
	DataAlgae        = "algae"
	DataHydrology    = "hydrology"
	DataWeather      = "weather"
)

// Observation quality flags.
const (
	QualityValid   = "valid"
	QualitySuspect = "suspect"
	QualityMissing = "missing"
)

// Document is a reference document indexed for semantic retrieval.
// Embedding is nil until the ingest worker has processed the document;
// it is cleared whenever content changes so it gets recomputed.
type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	DocType   string    `json:"doc_type"`
	Embedding []float32 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Observation is a single environmental measurement at a location and time.
// Value2 and Value3 carry secondary readings for data types that report more
// than one figure; nil means the reading is absent.
type Observation struct {
	ID          string    `json:"id"`
	Location    string    `json:"location"`
	Latitude    *float64  `json:"latitude,omitempty"`
	Longitude   *float64  `json:"longitude,omitempty"`
	Date        time.Time `json:"date"`
	Datetime    time.Time `json:"datetime"`
	DataType    string    `json:"data_type"`
	Value       *float64  `json:"value"`
	Value2      *float64  `json:"value2,omitempty"`
	Value3      *float64  `json:"value3,omitempty"`
	Unit        string    `json:"unit"`
	QualityFlag string    `json:"quality_flag"`
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ObservationFilter narrows an observation query. Zero-valued fields are
// unconstrained. A Limit of 0 means the default (50).
type ObservationFilter struct {
	DataType string
	Location string
	Start    time.Time
	End      time.Time
	Limit    int
}

// Interaction records one processed chat request for later inspection.
type Interaction struct {
	ID               string    `json:"id"`
	CreatedAt        time.Time `json:"created_at"`
	Message          string    `json:"message"`
	Answer           string    `json:"answer"`
	DocumentCount    int       `json:"document_count"`
	ObservationCount int       `json:"observation_count"`
	Degraded         bool      `json:"degraded"`
	Model            string    `json:"model"`
	LatencyMs        int64     `json:"latency_ms"`
}

// Job is a unit of background work in the SQLite job queue.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
