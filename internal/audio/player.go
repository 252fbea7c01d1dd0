package audio

/*
AudioSocket playback rules:
- send with audiosocket.SendSlinChunks and DefaultSlinChunkSize (320 bytes)
- 320 bytes = 8000Hz × 20ms × 2 bytes; smaller chunks play in slow motion
- prompts must be 8kHz mono 16-bit WAV
*/

import (
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/CyCoreSystems/audiosocket"
	"github.com/rs/zerolog"
)

// RecordingNotice is the prompt played to participants when they join a recorded channel.
const RecordingNotice = "recording_notice.wav"

// Player holds prompt audio and plays it back over AudioSocket connections.
type Player struct {
	audioCache map[string][]byte
	mutex      sync.RWMutex
	audioDir   string
	log        zerolog.Logger
}

// NewPlayer creates a player and preloads every WAV prompt in audioDir.
func NewPlayer(audioDir string, logger zerolog.Logger) (*Player, error) {
	player := &Player{
		audioCache: make(map[string][]byte),
		audioDir:   audioDir,
		log:        logger.With().Str("component", "player").Logger(),
	}

	if err := player.preloadAudioFiles(); err != nil {
		return nil, fmt.Errorf("failed to preload audio files: %w", err)
	}

	return player, nil
}

func (p *Player) preloadAudioFiles() error {
	files, err := filepath.Glob(filepath.Join(p.audioDir, "*.wav"))
	if err != nil {
		return fmt.Errorf("failed to glob audio files: %w", err)
	}

	for _, file := range files {
		filename := filepath.Base(file)
		audioData, err := p.loadWAVFile(file)
		if err != nil {
			p.log.Warn().Err(err).Str("file", filename).Msg("failed to load prompt")
			continue
		}

		p.mutex.Lock()
		p.audioCache[filename] = audioData
		p.mutex.Unlock()

		p.log.Debug().Str("file", filename).Int("bytes", len(audioData)).Msg("loaded prompt")
	}

	return nil
}

// loadWAVFile reads a WAV prompt and returns its samples as slin bytes.
func (p *Player) loadWAVFile(path string) ([]byte, error) {
	buf, err := ReadWAV(path)
	if err != nil {
		return nil, err
	}
	if buf.Format.SampleRate != 8000 || buf.Format.NumChannels != 1 {
		return nil, fmt.Errorf("prompt %s must be 8kHz mono, got %dHz/%dch",
			filepath.Base(path), buf.Format.SampleRate, buf.Format.NumChannels)
	}

	out := make([]byte, len(buf.Data)*2)
	for i, v := range buf.Data {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(ClampInt16(v))))
	}
	return out, nil
}

// GetAudio returns cached audio data for a given filename.
func (p *Player) GetAudio(filename string) ([]byte, bool) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	audioData, exists := p.audioCache[filename]
	return audioData, exists
}

// PlayAudio sends a cached prompt through the AudioSocket connection.
func (p *Player) PlayAudio(w io.Writer, filename string) error {
	audioData, exists := p.GetAudio(filename)
	if !exists {
		return fmt.Errorf("audio file not found: %s", filename)
	}

	if err := audiosocket.SendSlinChunks(w, audiosocket.DefaultSlinChunkSize, audioData); err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}

	p.log.Debug().Str("file", filename).Int("bytes", len(audioData)).Msg("played prompt")
	return nil
}

// PlayNotice plays the recording notice if one was loaded.
func (p *Player) PlayNotice(w io.Writer) error {
	if _, ok := p.GetAudio(RecordingNotice); !ok {
		return nil
	}
	return p.PlayAudio(w, RecordingNotice)
}
