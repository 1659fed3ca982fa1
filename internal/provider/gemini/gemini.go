// Package gemini runs virtual try-on through the Gemini image generation
// API. It is the first choice in the provider chain: it preserves the
// person's face, hands and background better than the garment-specific
// models.
package gemini

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

const defaultModel = "gemini-2.5-flash-image"

// Provider calls Gemini's generateContent endpoint with both images inline.
type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// Config holds configuration for the Gemini provider.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://generativelanguage.googleapis.com
	Model          string // optional, defaults to gemini-2.5-flash-image
	RequestTimeout time.Duration
}

// New creates a Gemini provider instance.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: api key required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 120 * time.Second // image generation can be slow
	}

	return &Provider{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Name identifies the provider in logs and results.
func (p *Provider) Name() string { return "gemini" }

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	Temperature        float64  `json:"temperature"`
	TopP               float64  `json:"topP"`
	TopK               int      `json:"topK"`
	ResponseModalities []string `json:"responseModalities"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// TryOn sends both images plus a category prompt and extracts the generated
// composite from the response.
func (p *Provider) TryOn(ctx context.Context, req provider.Request) (provider.Result, error) {
	if err := req.Validate(); err != nil {
		return provider.Result{}, err
	}

	body := generateRequest{
		Contents: []content{{
			Parts: []part{
				{Text: promptFor(req.Category)},
				{InlineData: &inlineData{MimeType: "image/png", Data: base64.StdEncoding.EncodeToString(req.PersonImage)}},
				{InlineData: &inlineData{MimeType: "image/png", Data: base64.StdEncoding.EncodeToString(req.GarmentImage)}},
			},
		}},
		// Low temperature: the task is preservation, not creativity.
		GenerationConfig: generationConfig{
			Temperature:        0.1,
			TopP:               0.7,
			TopK:               20,
			ResponseModalities: []string{"IMAGE"},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return provider.Result{}, fmt.Errorf("gemini: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.baseURL, p.model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return provider.Result{}, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return provider.Result{}, fmt.Errorf("gemini: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.Result{}, fmt.Errorf("gemini: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
				Status  string `json:"status"`
			} `json:"error"`
		}
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			return provider.Result{}, fmt.Errorf("gemini: %s (code=%d, status=%s)", errResp.Error.Message, errResp.Error.Code, errResp.Error.Status)
		}
		return provider.Result{}, fmt.Errorf("gemini: http %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed generateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return provider.Result{}, fmt.Errorf("gemini: decode response: %w", err)
	}
	for _, cand := range parsed.Candidates {
		for _, pt := range cand.Content.Parts {
			if pt.InlineData != nil && pt.InlineData.Data != "" {
				mime := pt.InlineData.MimeType
				if mime == "" {
					mime = "image/png"
				}
				return provider.Result{
					ImageDataURI: fmt.Sprintf("data:%s;base64,%s", mime, pt.InlineData.Data),
					Method:       "Gemini 2.5 Flash Image",
				}, nil
			}
		}
	}
	return provider.Result{}, errors.New("gemini: no image data in response")
}

// promptFor builds the category-specific instruction. Each prompt leans hard
// on preservation: the model must change only the targeted garment region.
func promptFor(cat provider.Category) string {
	switch cat {
	case provider.CategoryLowerBody:
		return `Virtual try-on: replace ONLY the person's lower-body clothing with the garment from the second image.
Preserve the person's exact body shape: leg thickness, waist, hips and proportions must stay identical.
Keep everything above the waist unchanged: face, hair, arms, hands, upper-body clothing, held objects.
Copy the garment's exact fit and style; the garment wraps around the existing leg shape without reshaping it.
Match the photo's lighting and shadows, keep the background and pose unchanged, and keep the output at the input image's dimensions.`
	case provider.CategoryDress:
		return `Virtual try-on: the person must wear ONLY the dress from the second image.
Remove all original clothing first: no shirt, trousers or skirt may remain visible anywhere, including under the hemline.
Match the dress's exact length, style, colour and pattern; if the dress is short, bare legs are visible from hemline to feet.
Preserve the person's face, hands, body shape, pose and background exactly.
Match lighting and shadows and keep the output at the input image's dimensions.`
	default: // upper_body
		return `Virtual try-on: replace ONLY the person's upper-body clothing with the garment from the second image.
Preserve the person's exact body shape: shoulder width, torso, arm thickness and proportions must stay identical.
Keep face, hair, hands, lower-body clothing, pose, held objects and background unchanged.
Copy the garment's exact sleeve length: long sleeves cover the arm to the wrist, short sleeves expose the forearm, sleeveless exposes the whole arm.
Match fabric texture, colour and pattern, match the photo's lighting, and keep the output at the input image's dimensions.`
	}
}
