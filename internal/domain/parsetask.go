package domain

import (
	"strings"

	"github.com/google/uuid"
)

// ParseTask names a stored raw body that needs link extraction.
type ParseTask struct {
	TaskID          string `json:"task_id"`
	URL             string `json:"url"`
	RawID           string `json:"raw_id"`
	StorageLocation string `json:"storage_location"`
	ContentType     string `json:"content_type"`

	Priority   int `json:"priority"`
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	RequiresOCR bool `json:"requires_ocr"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewParseTask creates a parse task for a stored raw body, inheriting the
// frontier URL's priority and metadata.
func NewParseTask(u *FrontierURL, rawID, storageLocation, contentType string) *ParseTask {
	meta := make(map[string]any, len(u.Metadata)+2)
	for k, v := range u.Metadata {
		meta[k] = v
	}

	meta[MetaJobID] = u.JobID
	meta[MetaLinkDepth] = u.LinkDepth

	return &ParseTask{
		TaskID:          uuid.NewString(),
		URL:             u.URL,
		RawID:           rawID,
		StorageLocation: storageLocation,
		ContentType:     contentType,
		Priority:        u.Priority,
		MaxRetries:      u.MaxRetries,
		RequiresOCR:     ContentNeedsOCR(contentType),
		Metadata:        meta,
	}
}

// ContentNeedsOCR reports whether link extraction requires the OCR path
// instead of the HTML parser.
func ContentNeedsOCR(contentType string) bool {
	ct := strings.ToLower(contentType)

	return strings.HasPrefix(ct, "image/") || strings.HasPrefix(ct, "application/pdf")
}

// IsPriority reports whether the task belongs in the priority lane.
func (t *ParseTask) IsPriority() bool {
	return t.Priority >= PriorityLaneThreshold
}

// JobID returns the job identifier carried in metadata, or "".
func (t *ParseTask) JobID() string {
	if t.Metadata == nil {
		return ""
	}

	s, _ := t.Metadata[MetaJobID].(string)

	return s
}

// RenderedLinks returns links the headless renderer collected from the live
// DOM, or nil. Backends that round-trip metadata through JSON deliver the
// slice as []any.
func (t *ParseTask) RenderedLinks() []string {
	if t.Metadata == nil {
		return nil
	}

	switch v := t.Metadata[MetaRenderedLinks].(type) {
	case []string:
		return v
	case []any:
		links := make([]string, 0, len(v))

		for _, item := range v {
			if s, ok := item.(string); ok {
				links = append(links, s)
			}
		}

		return links
	default:
		return nil
	}
}

// LinkDepth returns the parent link depth carried in metadata.
// Queue backends round-trip metadata through JSON, so numbers may arrive
// as float64.
func (t *ParseTask) LinkDepth() int {
	if t.Metadata == nil {
		return 0
	}

	switch v := t.Metadata[MetaLinkDepth].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
