package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CristianCarreira/aipal/internal/config"
)

func writeAudioFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nota.ogg")
	if err := os.WriteFile(path, []byte("fake-ogg-bytes"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTranscribeAudio_Success(t *testing.T) {
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != sttTranscribeEndpoint {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotContentType = r.Header.Get("Content-Type")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("file field missing: %v", err)
		}
		w.Write([]byte(`{"transcript":"hola desde el audio"}`))
	}))
	defer srv.Close()

	c := &Channel{stt: config.STTConfig{ProxyURL: srv.URL}}
	got, err := c.transcribeAudio(context.Background(), writeAudioFixture(t))
	if err != nil {
		t.Fatal(err)
	}
	if got != "hola desde el audio" {
		t.Errorf("transcript = %q", got)
	}
	if !strings.HasPrefix(gotContentType, "multipart/form-data") {
		t.Errorf("content type = %q", gotContentType)
	}
}

func TestTranscribeAudio_NotConfiguredIsSilent(t *testing.T) {
	c := &Channel{}
	got, err := c.transcribeAudio(context.Background(), writeAudioFixture(t))
	if err != nil || got != "" {
		t.Errorf("got %q, %v; want silent skip", got, err)
	}
}

func TestTranscribeAudio_EmptyPathIsSilent(t *testing.T) {
	c := &Channel{stt: config.STTConfig{ProxyURL: "http://example.invalid"}}
	got, err := c.transcribeAudio(context.Background(), "")
	if err != nil || got != "" {
		t.Errorf("got %q, %v; want silent skip", got, err)
	}
}

func TestTranscribeAudio_UpstreamErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := &Channel{stt: config.STTConfig{ProxyURL: srv.URL}}
	if _, err := c.transcribeAudio(context.Background(), writeAudioFixture(t)); err == nil {
		t.Error("upstream 502 did not surface")
	}
}

func TestTranscribeAudio_BadJSONSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := &Channel{stt: config.STTConfig{ProxyURL: srv.URL}}
	if _, err := c.transcribeAudio(context.Background(), writeAudioFixture(t)); err == nil {
		t.Error("unparseable response did not surface")
	}
}
