package media

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agency-core/internal/artifacts"
	"agency-core/internal/config"
	"agency-core/internal/models"
)

func pngServer(t *testing.T, w, h int) *httptest.Server {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "image/png")
		_, _ = rw.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHandle_RendersDemandTypeFormats(t *testing.T) {
	srv := pngServer(t, 40, 30)
	dir := t.TempDir()
	h := NewHandler(config.Config{MediaDownloadTimeout: 2 * time.Second}, &artifacts.LocalStore{BaseDir: dir})

	out, err := h.Prepare(context.Background(), "job-1", Payload{SourceURL: srv.URL, RequestID: "req-1", DemandType: "instagram_post", Grayscale: true})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "square", out[0].Format)
	assert.Equal(t, "portrait", out[1].Format)

	data, err := os.ReadFile(out[1].Location)
	require.NoError(t, err)
	img, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 1080, img.Bounds().Dx())
	assert.Equal(t, 1350, img.Bounds().Dy())
	r, g, b, _ := img.At(10, 10).RGBA()
	assert.InDelta(t, r, g, 1024)
	assert.InDelta(t, g, b, 1024)
}

func TestHandle_JobPayload(t *testing.T) {
	srv := pngServer(t, 8, 8)
	h := NewHandler(config.Config{}, &artifacts.LocalStore{BaseDir: t.TempDir()})
	payload, err := json.Marshal(Payload{SourceURL: srv.URL, Formats: []string{"landscape"}})
	require.NoError(t, err)

	require.NoError(t, h.Handle(context.Background(), models.Job{ID: "j1", Type: JobType, Payload: payload}))
}

func TestPrepare_Errors(t *testing.T) {
	srv := pngServer(t, 8, 8)
	h := NewHandler(config.Config{MediaMaxBytes: 10}, &artifacts.LocalStore{BaseDir: t.TempDir()})

	_, err := h.Prepare(context.Background(), "j", Payload{})
	assert.ErrorContains(t, err, "source_url")

	_, err = h.Prepare(context.Background(), "j", Payload{SourceURL: srv.URL, Formats: []string{"billboard"}})
	assert.ErrorContains(t, err, "unknown media format")

	_, err = h.Prepare(context.Background(), "j", Payload{SourceURL: srv.URL})
	assert.ErrorContains(t, err, "too large")
}

func TestFormatsFor_UnknownDefaultsToSquare(t *testing.T) {
	got := FormatsFor("holographic_ad")
	require.Len(t, got, 1)
	assert.Equal(t, "square", got[0].Name)
}
