package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Converter normalizes browser recordings (webm/ogg/mp4) into mono 16 kHz
// 16-bit WAV by piping them through ffmpeg.
type Converter struct {
	// Path is the ffmpeg binary; empty means "ffmpeg" from PATH.
	Path string
}

// Convert runs ffmpeg over audio and returns the WAV bytes.
func (c Converter) Convert(ctx context.Context, audio []byte) ([]byte, error) {
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}
	bin := c.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-ac", strconv.Itoa(Channels),
		"-ar", strconv.Itoa(SampleRate),
		"-sample_fmt", "s16",
		"-f", "wav", "pipe:1",
	)
	cmd.Stdin = bytes.NewReader(audio)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("audio conversion failed: %s: %w", msg, err)
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("audio conversion produced no output: %w", ErrEmptyAudio)
	}
	return stdout.Bytes(), nil
}

// ConvertingTranscriber converts audio before handing it to Next.
type ConvertingTranscriber struct {
	Converter Converter
	Next      Transcriber
}

// Transcribe converts then transcribes. Conversion failures are reported as
// transcription errors so callers treat them as a failed recording.
func (c ConvertingTranscriber) Transcribe(ctx context.Context, audio []byte) (*Transcript, error) {
	wav, err := c.Converter.Convert(ctx, audio)
	if err != nil {
		if errors.Is(err, ErrEmptyAudio) {
			return nil, err
		}
		return nil, &TranscriptionError{Provider: "ffmpeg", Message: "convert recording", Cause: err}
	}
	return c.Next.Transcribe(ctx, wav)
}
