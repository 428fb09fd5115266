/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package endpoint holds the HTTP clients for the three external model
// endpoints: text LLM, cover image, and audio generation.
package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/friendsincode/bragi_jukebox/internal/config"
)

// Metadata is the structured song description the LLM produces.
type Metadata struct {
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Style  string `json:"style"`
	Lyrics string `json:"lyrics"`
}

// AudioTaskState is the lifecycle of a submitted audio generation task.
type AudioTaskState string

const (
	AudioTaskQueued    AudioTaskState = "queued"
	AudioTaskRunning   AudioTaskState = "running"
	AudioTaskSucceeded AudioTaskState = "succeeded"
	AudioTaskFailed    AudioTaskState = "failed"
)

// AudioTaskStatus is one poll result from the audio endpoint.
type AudioTaskStatus struct {
	TaskID   string         `json:"task_id"`
	State    AudioTaskState `json:"state"`
	AudioURL string         `json:"audio_url,omitempty"`
	Duration float64        `json:"duration,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}

func postJSON(ctx context.Context, client *http.Client, cfg config.EndpointConfig, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// LLMClient generates song metadata from prompts.
type LLMClient struct {
	cfg    config.EndpointConfig
	client *http.Client
	logger zerolog.Logger
}

// NewLLMClient creates the metadata client.
func NewLLMClient(cfg config.EndpointConfig, logger zerolog.Logger) *LLMClient {
	return &LLMClient{
		cfg:    cfg,
		client: newHTTPClient(120 * time.Second),
		logger: logger.With().Str("component", "llm_client").Logger(),
	}
}

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const metadataSystemPrompt = `You are a songwriter. Given a playlist description, invent one new song.
Respond with a single JSON object: {"title","artist","style","lyrics"}.
The style is a comma-separated tag list usable by a music generation model.`

// GenerateMetadata asks the LLM for one new song matching the prompt.
// avoidTitles lists titles already in the playlist so the model does not
// repeat itself.
func (c *LLMClient) GenerateMetadata(ctx context.Context, prompt string, avoidTitles []string) (*Metadata, error) {
	user := prompt
	if len(avoidTitles) > 0 {
		user += "\n\nDo not reuse these titles: "
		for i, title := range avoidTitles {
			if i > 0 {
				user += ", "
			}
			user += title
		}
	}

	req := chatRequest{
		Temperature: 0.9,
		Messages: []chatMessage{
			{Role: "system", Content: metadataSystemPrompt},
			{Role: "user", Content: user},
		},
	}
	var resp chatResponse
	if err := postJSON(ctx, c.client, c.cfg, "/v1/chat/completions", req, &resp); err != nil {
		return nil, fmt.Errorf("metadata generation: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("metadata generation: empty response")
	}

	var meta Metadata
	content := extractJSONObject(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &meta); err != nil {
		return nil, fmt.Errorf("metadata generation: parse model output: %w", err)
	}
	if meta.Title == "" {
		return nil, fmt.Errorf("metadata generation: model returned no title")
	}
	return &meta, nil
}

// extractJSONObject trims chatter and code fences around the model's JSON.
func extractJSONObject(s string) string {
	start := -1
	depth := 0
	for i, r := range s {
		switch r {
		case '{':
			if start < 0 {
				start = i
			}
			depth++
		case '}':
			if start >= 0 {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return s
}

// ImageClient generates cover art.
type ImageClient struct {
	cfg    config.EndpointConfig
	client *http.Client
	logger zerolog.Logger
}

// NewImageClient creates the cover art client.
func NewImageClient(cfg config.EndpointConfig, logger zerolog.Logger) *ImageClient {
	return &ImageClient{
		cfg:    cfg,
		client: newHTTPClient(120 * time.Second),
		logger: logger.With().Str("component", "image_client").Logger(),
	}
}

type imageRequest struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
	N      int    `json:"n"`
}

type imageResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

// GenerateCover produces album art for a song and returns its URL on the
// image endpoint.
func (c *ImageClient) GenerateCover(ctx context.Context, title, style string) (string, error) {
	req := imageRequest{
		Prompt: fmt.Sprintf("album cover for the song %q, style: %s, no text", title, style),
		Size:   "512x512",
		N:      1,
	}
	var resp imageResponse
	if err := postJSON(ctx, c.client, c.cfg, "/v1/images/generations", req, &resp); err != nil {
		return "", fmt.Errorf("cover generation: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", fmt.Errorf("cover generation: empty response")
	}
	return resp.Data[0].URL, nil
}

// AudioClient talks to the audio generation endpoint. Generation is
// asynchronous: submit returns a task id which is then polled.
type AudioClient struct {
	cfg    config.EndpointConfig
	client *http.Client
	logger zerolog.Logger
}

// NewAudioClient creates the audio client.
func NewAudioClient(cfg config.EndpointConfig, logger zerolog.Logger) *AudioClient {
	return &AudioClient{
		cfg:    cfg,
		client: newHTTPClient(60 * time.Second),
		logger: logger.With().Str("component", "audio_client").Logger(),
	}
}

type audioSubmitRequest struct {
	Title  string `json:"title"`
	Style  string `json:"style"`
	Lyrics string `json:"lyrics"`
}

type audioSubmitResponse struct {
	TaskID string `json:"task_id"`
}

// SubmitTask enqueues a generation task and returns its id.
func (c *AudioClient) SubmitTask(ctx context.Context, meta *Metadata) (string, error) {
	req := audioSubmitRequest{Title: meta.Title, Style: meta.Style, Lyrics: meta.Lyrics}
	var resp audioSubmitResponse
	if err := postJSON(ctx, c.client, c.cfg, "/v1/tasks", req, &resp); err != nil {
		return "", fmt.Errorf("audio submit: %w", err)
	}
	if resp.TaskID == "" {
		return "", fmt.Errorf("audio submit: endpoint returned no task id")
	}
	return resp.TaskID, nil
}

// QueryTask fetches the current state of a task.
func (c *AudioClient) QueryTask(ctx context.Context, taskID string) (*AudioTaskStatus, error) {
	u := c.cfg.URL + "/v1/tasks/" + url.PathEscape(taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("audio poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("audio poll: %w", decodeError(resp))
	}
	var status AudioTaskStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("audio poll: decode: %w", err)
	}
	return &status, nil
}

// Fetch downloads an artifact (audio file or cover) from an endpoint URL.
// The caller owns the returned reader.
func Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	client := newHTTPClient(5 * time.Minute)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp.Body, nil
}
