package normalize

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"examguard/internal/model"
)

const defaultMIMEType = "image/jpeg"

// FrameFields is a frame as it arrives on the wire, before validation.
type FrameFields struct {
	SessionID string
	Timestamp string
	ImageData string
	MIMEType  string
}

// Frame validates raw fields and decodes the base64 image. A missing timestamp is
// stamped with the arrival time; a missing session or image is rejected.
func Frame(fields FrameFields, source string, now time.Time) (model.Frame, error) {
	session := strings.TrimSpace(fields.SessionID)
	if session == "" {
		return model.Frame{}, fmt.Errorf("frame without session_id: %w", model.ErrInvariantViolation)
	}

	ts := now.UTC()
	if strings.TrimSpace(fields.Timestamp) != "" {
		parsed, err := ParseTimestamp(fields.Timestamp)
		if err != nil {
			return model.Frame{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UTC()
	}

	mime, payload := splitDataURL(strings.TrimSpace(fields.ImageData))
	if m := strings.TrimSpace(fields.MIMEType); m != "" {
		mime = m
	}
	if mime == "" {
		mime = defaultMIMEType
	}
	img, err := DecodeImage(payload)
	if err != nil {
		return model.Frame{}, err
	}
	if len(img) == 0 {
		return model.Frame{}, fmt.Errorf("frame without image_data: %w", model.ErrInvariantViolation)
	}

	return model.Frame{
		SessionID: session,
		Timestamp: ts,
		ImageData: img,
		MIMEType:  mime,
		Source:    source,
	}, nil
}

// splitDataURL strips a "data:image/png;base64," prefix, returning its MIME type.
func splitDataURL(s string) (string, string) {
	if !strings.HasPrefix(s, "data:") {
		return "", s
	}
	head, body, ok := strings.Cut(s, ",")
	if !ok {
		return "", s
	}
	head = strings.TrimPrefix(head, "data:")
	head = strings.TrimSuffix(head, ";base64")
	return head, body
}

var encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

func DecodeImage(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	for _, enc := range encodings {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("image_data is not valid base64")
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z0700",
}

// ParseTimestamp accepts RFC 3339, a few common layouts interpreted as UTC, or a
// unix epoch in seconds or milliseconds.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if len(value) >= 13 {
		return time.UnixMilli(n).UTC(), nil
	}
	return time.Unix(n, 0).UTC(), nil
}
