package transcriber

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/amanullahtanweer/voicemeet-recorder/internal/audio"
)

var errNoTranscoder = errors.New("no transcoder configured")

// loadPCM returns the recording as mono s16le at rate. Matching WAV files are
// read directly; anything else goes through the transcoder.
func loadPCM(ctx context.Context, path string, rate int, transcoder Transcoder) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		buf, err := audio.ReadWAV(path)
		if err == nil && buf.Format.SampleRate == rate && buf.Format.NumChannels == 1 {
			out := make([]byte, 2*len(buf.Data))
			for i, v := range buf.Data {
				s := uint16(int16(audio.ClampInt16(v)))
				out[2*i] = byte(s)
				out[2*i+1] = byte(s >> 8)
			}
			return out, nil
		}
	}

	if transcoder == nil {
		return nil, fmt.Errorf("%s: %w", path, errNoTranscoder)
	}
	tmp, err := os.CreateTemp("", "transcribe-*.pcm")
	if err != nil {
		return nil, err
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	if err := transcoder.ToPCM(ctx, path, tmp.Name(), rate, 1); err != nil {
		return nil, fmt.Errorf("failed to transcode %s: %w", path, err)
	}
	return os.ReadFile(tmp.Name())
}
