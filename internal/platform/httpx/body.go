package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

var (
	// ErrEmptyBody is returned when a request carries no payload.
	ErrEmptyBody = errors.New("request body is required")
	// ErrBodyTooLarge is returned when a request payload exceeds the allowed size.
	ErrBodyTooLarge = errors.New("request body too large")
)

// ReadLimitedBody reads at most limit bytes from the request body.
func ReadLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, ErrEmptyBody
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// DecodeJSON reads a bounded body and unmarshals it into dst. Content-Type is not
// enforced because navigator.sendBeacon posts JSON strings as text/plain.
func DecodeJSON(r *http.Request, limit int64, dst any) error {
	data, err := ReadLimitedBody(r, limit)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
