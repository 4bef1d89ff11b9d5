// Package telemetry provides request tagging for structured logging and
// metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

// requestTagsKey is the context key for the request tags holder.
const requestTagsKey contextKey = "request_tags"

// RequestTags holds mutable request metadata that handlers can set for
// logging and metrics.
type RequestTags struct {
	Endpoint string
	Result   string // delivery result: local_hit, cache_hit, fill, subscribe, passthrough
	SongID   string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context. Returns nil outside a
// tagged request.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetResult sets the delivery result tag.
func SetResult(r *http.Request, result string) {
	if tags := GetTags(r); tags != nil {
		tags.Result = result
	}
}

// SetSongID sets the song id tag for logging.
func SetSongID(r *http.Request, id string) {
	if tags := GetTags(r); tags != nil {
		tags.SongID = id
	}
}
