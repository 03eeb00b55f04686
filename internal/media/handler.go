// Package media prepares source images for the social formats a demand type is published in.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"agency-core/internal/artifacts"
	"agency-core/internal/config"
	"agency-core/internal/models"
)

// JobType is the queue job type served by Handler.
const JobType = "media:prepare"

// Format is a target rendition.
type Format struct {
	Name   string
	Width  int
	Height int
}

var formats = map[string]Format{
	"square":    {Name: "square", Width: 1080, Height: 1080},
	"portrait":  {Name: "portrait", Width: 1080, Height: 1350},
	"story":     {Name: "story", Width: 1080, Height: 1920},
	"landscape": {Name: "landscape", Width: 1200, Height: 627},
}

var demandFormats = map[string][]string{
	"instagram_post": {"square", "portrait"},
	"carousel":       {"portrait"},
	"reels":          {"story"},
	"video_script":   {"story"},
	"linkedin_post":  {"landscape"},
	"ad_campaign":    {"square", "landscape", "story"},
	"full_campaign":  {"square", "portrait", "story", "landscape"},
}

// FormatsFor returns the renditions for a demand type, defaulting to square.
func FormatsFor(demandType string) []Format {
	names, ok := demandFormats[demandType]
	if !ok {
		names = []string{"square"}
	}
	out := make([]Format, 0, len(names))
	for _, n := range names {
		out = append(out, formats[n])
	}
	return out
}

// Payload is the media:prepare job payload.
type Payload struct {
	SourceURL  string   `json:"source_url"`
	RequestID  string   `json:"request_id"`
	DemandType string   `json:"demand_type"`
	Formats    []string `json:"formats,omitempty"`
	Grayscale  bool     `json:"grayscale,omitempty"`
}

// Rendition is one prepared output.
type Rendition struct {
	Format   string `json:"format"`
	Location string `json:"location"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// Handler downloads a source image, fits it to each target format and archives the renditions.
type Handler struct {
	httpClient *http.Client
	store      artifacts.Store
	maxBytes   int64
}

func NewHandler(cfg config.Config, store artifacts.Store) *Handler {
	timeout := cfg.MediaDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxBytes := cfg.MediaMaxBytes
	if maxBytes == 0 {
		maxBytes = 25 * 1024 * 1024
	}
	return &Handler{
		httpClient: &http.Client{Timeout: timeout},
		store:      store,
		maxBytes:   maxBytes,
	}
}

// Handle is the queue handler for media:prepare jobs.
func (h *Handler) Handle(ctx context.Context, job models.Job) error {
	var p Payload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}
	out, err := h.Prepare(ctx, job.ID, p)
	if err != nil {
		return err
	}
	slog.Info("media prepared", "job_id", job.ID, "request_id", p.RequestID, "renditions", len(out))
	return nil
}

// Prepare renders every requested format. Keys are grouped under the request id, or the job id
// when the payload carries none.
func (h *Handler) Prepare(ctx context.Context, jobID string, p Payload) ([]Rendition, error) {
	if p.SourceURL == "" {
		return nil, errors.New("source_url is required")
	}
	targets, err := resolveFormats(p)
	if err != nil {
		return nil, err
	}

	data, err := h.download(ctx, p.SourceURL)
	if err != nil {
		return nil, err
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if p.Grayscale {
		src = imaging.Grayscale(src)
	}

	group := p.RequestID
	if group == "" {
		group = jobID
	}
	out := make([]Rendition, 0, len(targets))
	for _, f := range targets {
		img := imaging.Fill(src, f.Width, f.Height, imaging.Center, imaging.Lanczos)
		buf := &bytes.Buffer{}
		if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(88)); err != nil {
			return nil, fmt.Errorf("encode %s: %w", f.Name, err)
		}
		key := fmt.Sprintf("media/%s/%s.jpg", group, f.Name)
		loc, err := h.store.Put(ctx, key, buf.Bytes(), "image/jpeg")
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", f.Name, err)
		}
		out = append(out, Rendition{Format: f.Name, Location: loc, Width: f.Width, Height: f.Height})
	}
	return out, nil
}

func resolveFormats(p Payload) ([]Format, error) {
	if len(p.Formats) == 0 {
		return FormatsFor(p.DemandType), nil
	}
	out := make([]Format, 0, len(p.Formats))
	for _, n := range p.Formats {
		f, ok := formats[strings.ToLower(n)]
		if !ok {
			return nil, fmt.Errorf("unknown media format %q", n)
		}
		out = append(out, f)
	}
	return out, nil
}

func (h *Handler) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download image: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > h.maxBytes {
		return nil, fmt.Errorf("image too large (>%d bytes)", h.maxBytes)
	}
	return body, nil
}
