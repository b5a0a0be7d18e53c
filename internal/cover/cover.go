// Package cover generates book cover art. The text model writes an image
// prompt, the image model renders it, and the result is downloaded to the
// covers directory.
package cover

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/jmpublishing/bookpress/internal/config"
	"github.com/jmpublishing/bookpress/internal/generation"
	"github.com/jmpublishing/bookpress/internal/retry"
)

// ImageClient renders an image from a prompt and returns a URL to fetch it
// from. Tests substitute a fake; production uses the OpenAI image API.
type ImageClient interface {
	GenerateImage(ctx context.Context, prompt string, width, height int) (string, error)
}

// OpenAIImageClient renders covers with DALL-E 3.
type OpenAIImageClient struct {
	client openai.Client
}

// NewOpenAIImageClient creates an image client.
func NewOpenAIImageClient(apiKey string) (*OpenAIImageClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	return &OpenAIImageClient{client: openai.NewClient(option.WithAPIKey(apiKey))}, nil
}

// GenerateImage renders the prompt and returns the hosted image URL.
// DALL-E 3 supports a fixed set of sizes; the portrait book-cover ratio maps
// to 1024x1792 regardless of the exact requested dimensions.
func (c *OpenAIImageClient) GenerateImage(ctx context.Context, prompt string, width, height int) (string, error) {
	size := openai.ImageGenerateParamsSize1024x1792
	if width >= height {
		size = openai.ImageGenerateParamsSize1024x1024
	}

	resp, err := c.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:  prompt,
		Model:   openai.ImageModelDallE3,
		N:       openai.Int(1),
		Size:    size,
		Quality: openai.ImageGenerateParamsQualityStandard,
	})
	if err != nil {
		return "", retry.Transient(fmt.Errorf("image generation failed: %w", err))
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", retry.Transient(fmt.Errorf("image API returned no image URL"))
	}
	return resp.Data[0].URL, nil
}

// Service generates and downloads covers.
type Service struct {
	gen    *generation.Service
	images ImageClient
	cfg    config.Config
	http   *http.Client
}

// NewService creates a cover service.
func NewService(gen *generation.Service, images ImageClient, cfg config.Config) *Service {
	return &Service{
		gen:    gen,
		images: images,
		cfg:    cfg,
		http:   &http.Client{Timeout: 60 * time.Second},
	}
}

// Generate produces a cover for the book and writes it to the covers
// directory. Returns the local file path.
func (s *Service) Generate(ctx context.Context, runID, title, genre string) (string, error) {
	prompt, err := s.gen.CoverImagePrompt(ctx, title, genre)
	if err != nil {
		return "", err
	}

	url, err := s.images.GenerateImage(ctx, prompt, s.cfg.CoverWidth, s.cfg.CoverHeight)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.cfg.CoversDir, fmt.Sprintf("%s_cover.png", runID))
	if err := s.download(ctx, url, path); err != nil {
		return "", err
	}
	return path, nil
}

// download fetches the hosted image to a local file. The hosted URL is
// short-lived, so failures here are transient and a retry regenerates.
func (s *Service) download(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return retry.Transient(fmt.Errorf("cover download failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return retry.Transient(fmt.Errorf("cover download returned status %d", resp.StatusCode))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create covers directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create cover file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return retry.Transient(fmt.Errorf("failed to write cover file: %w", err))
	}
	return nil
}
