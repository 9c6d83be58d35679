package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/bicrawl/internal/urlutil"
)

// Priority bounds and defaults.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5

	// PriorityLaneThreshold routes a frontier URL to the priority lane.
	PriorityLaneThreshold = 8
)

// DefaultMaxRetries is the retry budget applied when none is set.
const DefaultMaxRetries = 3

// Well-known metadata keys carried on frontier URLs and parse tasks.
const (
	MetaJobID          = "job_id"
	MetaLinkDepth      = "link_depth"
	MetaTags           = "tags"
	MetaFinalURL       = "final_url"
	MetaIsDynamic      = "is_dynamic"
	MetaRenderedWithJS = "rendered_with_js"
	MetaRenderedLinks  = "rendered_links"
	MetaWorkerID       = "worker_id"
)

// FrontierURL represents a URL scheduled to be fetched.
type FrontierURL struct {
	URL       string `json:"url"`
	SourceURL string `json:"source_url,omitempty"`
	JobID     string `json:"job_id"`

	Priority  int `json:"priority"`
	Depth     int `json:"depth"`
	LinkDepth int `json:"link_depth"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	ScheduledAt time.Time `json:"scheduled_at"`
	CreatedAt   time.Time `json:"created_at"`

	RequiresJS          bool  `json:"requires_js"`
	IsDynamic           bool  `json:"is_dynamic"`
	ContentSizeEstimate int64 `json:"content_size_estimate,omitempty"`

	// Domain is always derived from URL, never set directly.
	Domain string `json:"domain"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewFrontierURL validates rawURL, derives the domain, clamps the priority,
// and returns a frontier URL ready for enqueueing.
func NewFrontierURL(rawURL, jobID string, priority int) (*FrontierURL, error) {
	if err := urlutil.Validate(rawURL); err != nil {
		return nil, fmt.Errorf("new frontier url: %w", err)
	}

	host, err := urlutil.Host(rawURL)
	if err != nil {
		return nil, fmt.Errorf("new frontier url: %w", err)
	}

	now := time.Now().UTC()

	return &FrontierURL{
		URL:         rawURL,
		JobID:       jobID,
		Priority:    ClampPriority(priority),
		MaxRetries:  DefaultMaxRetries,
		ScheduledAt: now,
		CreatedAt:   now,
		Domain:      host,
		Metadata:    map[string]any{},
	}, nil
}

// NewJobID returns a fresh job identifier.
func NewJobID() string {
	return uuid.NewString()
}

// ClampPriority bounds a priority value to [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}

	if p > MaxPriority {
		return MaxPriority
	}

	return p
}

// IsPriority reports whether the URL belongs in the priority lane.
func (u *FrontierURL) IsPriority() bool {
	return u.Priority >= PriorityLaneThreshold
}

// DedupKey identifies the URL for in-flight uniqueness. The system does not
// deduplicate across time, only within a job's live queue entries.
func (u *FrontierURL) DedupKey() string {
	return u.URL + "|" + u.JobID
}

// Tags returns the ordered tag sequence from metadata, never nil.
func (u *FrontierURL) Tags() []string {
	if u.Metadata == nil {
		return nil
	}

	switch tags := u.Metadata[MetaTags].(type) {
	case []string:
		return tags
	case []any:
		out := make([]string, 0, len(tags))
		for _, t := range tags {
			if s, ok := t.(string); ok {
				out = append(out, s)
			}
		}

		return out
	default:
		return nil
	}
}

// AddTags appends tags to the metadata tag sequence, preserving order.
func (u *FrontierURL) AddTags(tags ...string) {
	if u.Metadata == nil {
		u.Metadata = map[string]any{}
	}

	u.Metadata[MetaTags] = append(u.Tags(), tags...)
}

// MetaString returns a string metadata value, or "" when absent.
func (u *FrontierURL) MetaString(key string) string {
	if u.Metadata == nil {
		return ""
	}

	s, _ := u.Metadata[key].(string)

	return s
}

// RetryEntry is a frontier URL parked until its retry delay elapses.
type RetryEntry struct {
	URL        *FrontierURL `json:"url"`
	RetryAfter time.Time    `json:"retry_after"`
}

// DeadLetterEntry is a frontier URL that exhausted its retry budget or
// failed permanently.
type DeadLetterEntry struct {
	URL    *FrontierURL `json:"url"`
	DiedAt time.Time    `json:"died_at"`
	Reason string       `json:"reason"`
}
