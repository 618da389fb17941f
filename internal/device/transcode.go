package device

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Transcoder converts a source file into a device-playable format, returning
// the path of a temporary output file. The caller deletes the output.
type Transcoder interface {
	Transcode(sourcePath, format string) (string, error)
}

// FFmpegTranscoder shells out to ffmpeg. Supported target formats are "alac"
// and "mp3".
type FFmpegTranscoder struct {
	binary  string
	timeout time.Duration
	logger  *logrus.Logger
}

// NewFFmpegTranscoder creates a transcoder using the given ffmpeg binary and
// per-file timeout.
func NewFFmpegTranscoder(binary string, timeout time.Duration) *FFmpegTranscoder {
	if binary == "" {
		binary = "ffmpeg"
	}
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	return &FFmpegTranscoder{binary: binary, timeout: timeout, logger: logger}
}

// Transcode converts sourcePath into format, writing to a temp file. The
// temp file survives an ffmpeg failure only long enough to be removed here;
// on success the caller owns it.
func (t *FFmpegTranscoder) Transcode(sourcePath, format string) (string, error) {
	var ext string
	var codecArgs []string
	switch format {
	case "mp3":
		ext = ".mp3"
		codecArgs = []string{"-codec:a", "libmp3lame", "-qscale:a", "0"}
	case "alac":
		ext = ".m4a"
		codecArgs = []string{"-codec:a", "alac"}
	default:
		return "", fmt.Errorf("unsupported transcode format: %s", format)
	}

	outPath := filepath.Join(os.TempDir(), "podsync-"+uuid.New().String()+ext)

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	args := []string{"-y", "-i", sourcePath}
	args = append(args, codecArgs...)
	args = append(args, "-vn", outPath)

	cmd := exec.CommandContext(ctx, t.binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(outPath)
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("transcode timed out after %s: %s", t.timeout, sourcePath)
		}
		t.logger.WithError(err).WithFields(logrus.Fields{
			"source": sourcePath,
			"output": string(output),
		}).Error("Transcode failed")
		return "", fmt.Errorf("ffmpeg failed for %s: %w", sourcePath, err)
	}

	return outPath, nil
}
