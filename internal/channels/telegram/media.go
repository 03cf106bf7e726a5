package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/mymmrac/telego"

	"github.com/CristianCarreira/aipal/internal/bus"
)

const (
	// mediaMaxBytes is the Bot API download ceiling.
	mediaMaxBytes int64 = 20 * 1024 * 1024

	downloadMaxRetries = 3

	// maxImageDimension is the downscale bound for inbound photos.
	maxImageDimension = 2048
)

// resolveMedia turns an attachment-bearing message into an inbound
// event. Image kinds are checked before document kinds so a file that
// is both (e.g. an uncompressed photo sent "as file" with image mime)
// lands deterministically as what Telegram tagged it. Returns false
// when the message carries no supported media.
func (c *Channel) resolveMedia(ctx context.Context, message *telego.Message, chatID int64, topicID int, userID int64) (bus.InboundMessage, bool) {
	base := bus.InboundMessage{ChatID: chatID, TopicID: topicID, UserID: userID, Caption: message.Caption}

	if len(message.Photo) > 0 {
		// Highest resolution is last.
		photo := message.Photo[len(message.Photo)-1]
		path, err := c.downloadMedia(ctx, photo.FileID)
		if err != nil {
			slog.Warn("photo download failed", "file_id", photo.FileID, "error", err)
			return base, false
		}
		base.Kind = bus.MediaImage
		base.Path = downscaleImage(path)
		return base, true
	}

	if message.Sticker != nil {
		path, err := c.downloadMedia(ctx, message.Sticker.FileID)
		if err != nil {
			slog.Warn("sticker download failed", "file_id", message.Sticker.FileID, "error", err)
			return base, false
		}
		base.Kind = bus.MediaImage
		base.Path = path
		return base, true
	}

	if message.Voice != nil {
		return c.resolveSpeech(ctx, base, message.Voice.FileID, bus.MediaVoice)
	}
	if message.Audio != nil {
		return c.resolveSpeech(ctx, base, message.Audio.FileID, bus.MediaAudio)
	}

	if message.Document != nil {
		path, err := c.downloadMedia(ctx, message.Document.FileID)
		if err != nil {
			slog.Warn("document download failed", "file_id", message.Document.FileID, "error", err)
			return base, false
		}
		base.Kind = bus.MediaDocument
		base.Path = path
		return base, true
	}

	if message.Video != nil || message.VideoNote != nil || message.Animation != nil {
		base.Text = "[video received — video content is not supported, only the caption is processed]"
		return base, true
	}

	return base, false
}

// resolveSpeech downloads a voice/audio file and transcribes it. STT
// is fail-soft: any failure degrades to a placeholder so the agent
// still learns a voice message arrived.
func (c *Channel) resolveSpeech(ctx context.Context, base bus.InboundMessage, fileID string, kind bus.MediaKind) (bus.InboundMessage, bool) {
	path, err := c.downloadMedia(ctx, fileID)
	if err != nil {
		slog.Warn("speech download failed", "file_id", fileID, "kind", kind, "error", err)
		return base, false
	}
	base.Kind = kind
	base.Path = path

	transcript, err := c.transcribeAudio(ctx, path)
	if err != nil {
		slog.Warn("transcription failed, using placeholder", "file", filepath.Base(path), "error", err)
	}
	if transcript == "" {
		transcript = "[voice message]"
	}
	base.Text = transcript
	return base, true
}

// downloadMedia fetches a file by file_id into the attachments dir,
// retrying the metadata call with backoff.
func (c *Channel) downloadMedia(ctx context.Context, fileID string) (string, error) {
	var file *telego.File
	var err error
	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			slog.Debug("retrying file metadata", "file_id", fileID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("get file info after %d attempts: %w", downloadMaxRetries, err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", fileID)
	}
	if int64(file.FileSize) > mediaMaxBytes {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, mediaMaxBytes)
	}

	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.cfg.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}
	if err := os.MkdirAll(c.attachmentsDir, 0o700); err != nil {
		return "", fmt.Errorf("attachments dir: %w", err)
	}
	dest := filepath.Join(c.attachmentsDir, uuid.NewString()+ext)

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create attachment file: %w", err)
	}
	defer out.Close()

	written, err := io.Copy(out, io.LimitReader(resp.Body, mediaMaxBytes+1))
	if err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("save file: %w", err)
	}
	if written > mediaMaxBytes {
		os.Remove(dest)
		return "", fmt.Errorf("file exceeds max size during download: %d bytes", written)
	}
	return dest, nil
}

// downscaleImage bounds a photo to maxImageDimension on its longest
// side, overwriting in place. Any failure keeps the original.
func downscaleImage(path string) string {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		slog.Debug("image decode skipped", "file", filepath.Base(path), "error", err)
		return path
	}
	bounds := img.Bounds()
	if bounds.Dx() <= maxImageDimension && bounds.Dy() <= maxImageDimension {
		return path
	}
	resized := imaging.Fit(img, maxImageDimension, maxImageDimension, imaging.Lanczos)
	if err := imaging.Save(resized, path); err != nil {
		slog.Warn("image downscale save failed", "file", filepath.Base(path), "error", err)
		return path
	}
	slog.Debug("image downscaled",
		"file", filepath.Base(path),
		"from", fmt.Sprintf("%dx%d", bounds.Dx(), bounds.Dy()),
		"to", fmt.Sprintf("%dx%d", resized.Bounds().Dx(), resized.Bounds().Dy()),
	)
	return path
}
