//go:build !whisper_cpp

package transcriber

import "github.com/rs/zerolog"

// NewLocal without the whisper_cpp build tag has no engine; recordings are skipped.
func NewLocal(modelPath, language string, transcoder Transcoder, logger zerolog.Logger) (Transcriber, error) {
	logger.Warn().Msg("built without whisper_cpp, local transcription disabled")
	return Disabled{}, nil
}
