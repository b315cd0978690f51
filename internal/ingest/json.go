package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"examguard/internal/model"
	"examguard/internal/normalize"
)

// ParseJSONBytes decodes one frame object.
func ParseJSONBytes(data []byte) (*normalize.FrameFields, error) {
	var obj map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("frame must be a JSON object")
	}
	return ParseJSONMap(obj), nil
}

// ParseJSONMap accepts both snake_case and camelCase field names.
func ParseJSONMap(obj map[string]interface{}) *normalize.FrameFields {
	flat := make(map[string]string, len(obj))
	for key, val := range obj {
		flat[strings.ToLower(strings.ReplaceAll(key, "_", ""))] = stringify(val)
	}
	return &normalize.FrameFields{
		SessionID: firstNonEmpty(flat, "sessionid", "session"),
		Timestamp: firstNonEmpty(flat, "timestamp", "ts", "time"),
		ImageData: firstNonEmpty(flat, "imagedata", "image", "frame"),
		MIMEType:  firstNonEmpty(flat, "mimetype", "contenttype"),
	}
}

// DecodeFrame turns one JSON message into a validated frame.
func DecodeFrame(data []byte, source string) (model.Frame, error) {
	fields, err := ParseJSONBytes(data)
	if err != nil {
		return model.Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return normalize.Frame(*fields, source, time.Now())
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}
