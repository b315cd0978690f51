package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"examguard/internal/config"
	"examguard/internal/model"
)

const geminiPrompt = `You are an exam proctoring classifier. Inspect the webcam frame and list every
sign of possible misconduct. Respond with a JSON array only. Each element has:
"kind" (one of: phone, multiple_faces, looking_away, unauthorized_person, suspicious_object),
"confidence" (integer 0-100) and optionally "box" {"x","y","w","h"} in pixels.
Respond with [] when nothing suspicious is visible.`

// Gemini classifies frames with a multimodal Gemini model.
type Gemini struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

func NewGemini(ctx context.Context, cfg config.GeminiConfig, logger *slog.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	modelName := cfg.Model
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}
	return &Gemini{client: client, model: modelName, logger: logger}, nil
}

type geminiDetection struct {
	Kind       string             `json:"kind"`
	Confidence int                `json:"confidence"`
	Box        *model.BoundingBox `json:"box,omitempty"`
}

func (g *Gemini) Detect(ctx context.Context, frame model.Frame) ([]model.RawDetection, error) {
	if len(frame.ImageData) == 0 {
		return nil, nil
	}
	mime := frame.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: mime, Data: frame.ImageData}},
			{Text: geminiPrompt},
		},
	}}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	if resp == nil {
		return nil, errors.New("gemini returned empty response")
	}
	dets, err := ParseClassifierJSON(resp.Text())
	if err != nil {
		if g.logger != nil {
			g.logger.Warn("gemini response not parseable", "session_id", frame.SessionID, "err", err)
		}
		return nil, err
	}
	return dets, nil
}

// ParseClassifierJSON decodes a JSON array of detections, tolerating markdown fences
// around the payload. Unknown kinds are dropped.
func ParseClassifierJSON(text string) ([]model.RawDetection, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	var raw []geminiDetection
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, err
	}
	out := make([]model.RawDetection, 0, len(raw))
	for _, r := range raw {
		kind := model.DetectionKind(strings.ToLower(strings.TrimSpace(r.Kind)))
		if !kind.Valid() {
			continue
		}
		out = append(out, model.RawDetection{Kind: kind, Confidence: r.Confidence, BoundingBox: r.Box})
	}
	return out, nil
}
