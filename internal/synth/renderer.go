package synth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"podcast-pipeline/internal/logging"
	"podcast-pipeline/internal/telemetry"
)

// Synthesizer turns one SSML document into encoded audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, ssml string, voice Voice) ([]byte, error)
}

// Renderer chunks a document, synthesizes every chunk in order and concatenates the segments.
type Renderer struct {
	synth      Synthesizer
	chunker    Chunker
	scratchDir string
	logger     *slog.Logger
}

// NewRenderer builds a renderer. scratchDir may be empty for the system temp dir.
func NewRenderer(s Synthesizer, chunker Chunker, scratchDir string, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Renderer{synth: s, chunker: chunker, scratchDir: scratchDir, logger: logger}
}

// Render writes the merged audio for doc to dst. Segments are staged in a scratch directory that is
// removed on every path, and nothing is written to dst unless every chunk succeeded.
func (r *Renderer) Render(ctx context.Context, doc string, voice Voice, dst io.Writer) (int, error) {
	chunks, err := r.chunker.Split(doc)
	if err != nil {
		return 0, err
	}
	dir, err := os.MkdirTemp(r.scratchDir, "synth-*")
	if err != nil {
		return 0, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	segments := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		audio, err := r.synth.Synthesize(ctx, chunk, voice)
		if err != nil {
			return 0, fmt.Errorf("synthesize chunk %d/%d: %w", i+1, len(chunks), err)
		}
		telemetry.SynthesizedChunks.Inc()
		path := filepath.Join(dir, fmt.Sprintf("chunk-%04d.mp3", i))
		if err := os.WriteFile(path, audio, 0o600); err != nil {
			return 0, fmt.Errorf("stage chunk %d: %w", i+1, err)
		}
		segments = append(segments, path)
		r.logger.Debug("synthesized chunk", "index", i+1, "total", len(chunks), "bytes", len(chunk))
	}

	merged := filepath.Join(dir, "merged.mp3")
	if err := concatFiles(merged, segments); err != nil {
		return 0, err
	}
	f, err := os.Open(merged)
	if err != nil {
		return 0, fmt.Errorf("open merged audio: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(dst, f); err != nil {
		return 0, fmt.Errorf("write merged audio: %w", err)
	}
	return len(chunks), nil
}

func concatFiles(dst string, parts []string) error {
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create merged audio: %w", err)
	}
	for _, p := range parts {
		in, err := os.Open(p)
		if err != nil {
			out.Close()
			return fmt.Errorf("open segment: %w", err)
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			return fmt.Errorf("append segment: %w", err)
		}
	}
	return out.Close()
}
