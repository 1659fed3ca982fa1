// Package openai is the last-resort try-on provider. It cannot edit images
// directly, so it describes the combination with gpt-4o and regenerates the
// scene with DALL-E 3. Output quality is lower than the image-editing
// providers; it exists to keep the product alive during outages.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fitsa/fitsa-server/internal/provider"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	visionModel    = "gpt-4o"
	imageModel     = "dall-e-3"
)

// Provider calls the OpenAI chat and image generation APIs.
type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Config holds configuration for the OpenAI provider.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://api.openai.com/v1
	RequestTimeout time.Duration
}

// New creates an OpenAI provider instance.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	return &Provider{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Name identifies the provider in logs and results.
func (p *Provider) Name() string { return "openai" }

// TryOn describes the person+garment combination with the vision model, then
// renders that description with DALL-E 3 and returns the downloaded image.
func (p *Provider) TryOn(ctx context.Context, req provider.Request) (provider.Result, error) {
	if err := req.Validate(); err != nil {
		return provider.Result{}, err
	}

	description, err := p.describe(ctx, req)
	if err != nil {
		return provider.Result{}, err
	}

	imageURL, err := p.generate(ctx, description)
	if err != nil {
		return provider.Result{}, err
	}

	imageBytes, err := p.download(ctx, imageURL)
	if err != nil {
		return provider.Result{}, err
	}
	return provider.Result{
		ImageDataURI: "data:image/png;base64," + base64.StdEncoding.EncodeToString(imageBytes),
		Method:       "OpenAI DALL-E 3",
	}, nil
}

type chatMessage struct {
	Role    string            `json:"role"`
	Content []chatContentPart `json:"content"`
}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

// describe runs the vision pass over both images.
func (p *Provider) describe(ctx context.Context, req provider.Request) (string, error) {
	body := map[string]any{
		"model": visionModel,
		"messages": []chatMessage{{
			Role: "user",
			Content: []chatContentPart{
				{Type: "text", Text: "You are a professional fashion stylist. The first image is a person, the second a clothing item of category " + string(req.Category) + ". Describe in detail how this person would look wearing this clothing: body fit, colour coordination, fabric draping and proportions."},
				{Type: "image_url", ImageURL: &chatImageURL{URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.PersonImage)}},
				{Type: "image_url", ImageURL: &chatImageURL{URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.GarmentImage)}},
			},
		}},
		"max_completion_tokens": 500,
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := p.postJSON(ctx, "/chat/completions", body, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "person wearing the clothing item", nil
	}
	return parsed.Choices[0].Message.Content, nil
}

// generate renders the description into an image and returns its hosted URL.
func (p *Provider) generate(ctx context.Context, description string) (string, error) {
	body := map[string]any{
		"model":   imageModel,
		"prompt":  "Professional photo of " + description + ". High quality, realistic, studio lighting, full body shot, fashion photography style.",
		"size":    "1024x1024",
		"quality": "standard",
		"n":       1,
	}

	var parsed struct {
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := p.postJSON(ctx, "/images/generations", body, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Data) == 0 || parsed.Data[0].URL == "" {
		return "", errors.New("openai: no image in generation response")
	}
	return parsed.Data[0].URL, nil
}

func (p *Provider) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("openai: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("openai: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("openai: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
			} `json:"error"`
		}
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			return fmt.Errorf("openai: http %d: %s (type=%s)", resp.StatusCode, errResp.Error.Message, errResp.Error.Type)
		}
		return fmt.Errorf("openai: http %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("openai: decode response: %w", err)
	}
	return nil
}

func (p *Provider) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("openai: create download request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: download result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai: download result: http %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read result: %w", err)
	}
	return data, nil
}
