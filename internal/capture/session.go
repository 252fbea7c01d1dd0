// Package capture records per-speaker audio of a live voice channel into raw
// chunk files, one file per utterance.
package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/amanullahtanweer/voicemeet-recorder/internal/audio"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/metrics"
	"github.com/rs/zerolog"
)

// Receiver is the receive side of a voice channel connection.
type Receiver interface {
	// OnSpeaking registers speaking start/end handlers keyed by speaker id.
	// Handlers may be called from several goroutines. The returned func detaches them.
	OnSpeaking(start, end func(speakerID string)) (detach func())
	// Subscribe streams the speaker's frames. The stream ends by itself after
	// endAfterSilence without frames.
	Subscribe(speakerID string, endAfterSilence time.Duration) (Stream, error)
}

// Stream is one speaker's frame subscription.
type Stream interface {
	Frames() <-chan []byte
	// Done is closed when the stream ended; frames still buffered may be drained.
	Done() <-chan struct{}
	Close() error
}

// State of one speaker inside a session.
type State int

const (
	Idle State = iota
	Recording
	Closed
)

func (s State) String() string {
	switch s {
	case Recording:
		return "recording"
	case Closed:
		return "closed"
	default:
		return "idle"
	}
}

// DefaultSilence is the hysteresis window after which a speaker's stream ends.
const DefaultSilence = time.Second

var (
	ErrNoReceiver = errors.New("no voice channel connection")
	ErrNoDir      = errors.New("no output directory")
)

type speaker struct {
	id     string
	state  State
	stream Stream
	file   *os.File
	w      *bufio.Writer
	path   string
	bytes  int
}

// Session owns the chunk files of one recording.
type Session struct {
	dir      string
	receiver Receiver
	decoder  audio.Decoder
	silence  time.Duration
	now      func() time.Time
	log      zerolog.Logger
	metrics  *metrics.RecordingMetrics

	mu       sync.Mutex
	speakers map[string]*speaker
	closed   map[string]int
	detach   func()
	ended    bool
	wg       sync.WaitGroup
}

// Option configures a Session.
type Option func(*Session)

func WithDecoder(d audio.Decoder) Option {
	return func(s *Session) { s.decoder = d }
}

func WithSilence(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.silence = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

func WithMetrics(m *metrics.RecordingMetrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Begin creates dir if needed and starts listening for speakers on receiver.
func Begin(receiver Receiver, dir string, opts ...Option) (*Session, error) {
	if receiver == nil {
		return nil, ErrNoReceiver
	}
	if dir == "" {
		return nil, ErrNoDir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	s := &Session{
		dir:      dir,
		receiver: receiver,
		decoder:  audio.SlinDecoder{},
		silence:  DefaultSilence,
		now:      time.Now,
		log:      zerolog.Nop(),
		speakers: make(map[string]*speaker),
		closed:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "capture").Str("dir", dir).Logger()

	s.detach = receiver.OnSpeaking(s.handleStart, s.handleEnd)
	s.log.Info().Msg("recording started")
	return s, nil
}

// Dir is the directory receiving chunk files.
func (s *Session) Dir() string { return s.dir }

// End detaches from the channel. Streams still open finish on their own
// silence timeout; use Wait to let them settle.
func (s *Session) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	detach := s.detach
	active := len(s.speakers)
	s.mu.Unlock()

	if detach != nil {
		detach()
	}
	s.log.Info().Int("active", active).Msg("recording stopped")
}

// Wait blocks until every open speaker pipeline has finished or ctx is done.
// Call it after End.
func (s *Session) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active lists the speakers currently being recorded.
func (s *Session) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.speakers))
	for id := range s.speakers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// State reports where a speaker is in its Idle → Recording → Closed cycle.
func (s *Session) State(speakerID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.speakers[speakerID]; ok {
		return Recording
	}
	if s.closed[speakerID] > 0 {
		return Closed
	}
	return Idle
}

func (s *Session) handleStart(speakerID string) {
	if !ValidSpeakerID(speakerID) {
		s.log.Warn().Str("speaker", speakerID).Msg("ignoring speaker with unusable id")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return
	}
	if _, ok := s.speakers[speakerID]; ok {
		return
	}

	ts := s.now().UnixMilli()
	path := filepath.Join(s.dir, ChunkName(ts, speakerID))

	stream, err := s.receiver.Subscribe(speakerID, s.silence)
	if err != nil {
		s.log.Warn().Err(err).Str("speaker", speakerID).Msg("failed to subscribe")
		return
	}
	file, err := os.Create(path)
	if err != nil {
		stream.Close()
		s.log.Error().Err(err).Str("speaker", speakerID).Msg("failed to create chunk file")
		return
	}

	sp := &speaker{
		id:     speakerID,
		state:  Recording,
		stream: stream,
		file:   file,
		w:      bufio.NewWriter(file),
		path:   path,
	}
	s.speakers[speakerID] = sp
	s.wg.Add(1)
	go s.record(sp)

	s.log.Debug().Str("speaker", speakerID).Str("file", filepath.Base(path)).Msg("speaker started")
}

func (s *Session) handleEnd(speakerID string) {
	s.mu.Lock()
	sp, ok := s.speakers[speakerID]
	if ok {
		s.release(sp)
	}
	s.mu.Unlock()

	if ok {
		sp.stream.Close()
	}
}

// release must be called with mu held.
func (s *Session) release(sp *speaker) {
	if s.speakers[sp.id] == sp {
		delete(s.speakers, sp.id)
		s.closed[sp.id]++
	}
	sp.state = Closed
}

func (s *Session) record(sp *speaker) {
	defer s.wg.Done()

	err := s.pump(sp)
	sp.stream.Close()

	flushErr := sp.w.Flush()
	closeErr := sp.file.Close()
	if err == nil {
		err = errors.Join(flushErr, closeErr)
	}

	s.mu.Lock()
	s.release(sp)
	s.mu.Unlock()

	if err != nil {
		if rmErr := os.Remove(sp.path); rmErr != nil && !os.IsNotExist(rmErr) {
			s.log.Warn().Err(rmErr).Str("file", sp.path).Msg("failed to remove abandoned chunk")
		}
		if s.metrics != nil {
			s.metrics.AddDecodeError()
		}
		s.log.Warn().Err(err).Str("speaker", sp.id).Msg("chunk abandoned")
		return
	}

	if s.metrics != nil {
		s.metrics.AddChunk()
	}
	s.log.Debug().Str("speaker", sp.id).Int("bytes", sp.bytes).Msg("speaker chunk closed")
}

// pump copies decoded frames into the chunk file until the stream ends.
func (s *Session) pump(sp *speaker) error {
	frames, done := sp.stream.Frames(), sp.stream.Done()
	for {
		select {
		case frame := <-frames:
			if err := s.write(sp, frame); err != nil {
				return err
			}
		case <-done:
			for {
				select {
				case frame := <-frames:
					if err := s.write(sp, frame); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}

func (s *Session) write(sp *speaker, frame []byte) error {
	pcm, err := s.decoder.Decode(frame)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if _, err := sp.w.Write(pcm); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(sp.path), err)
	}
	sp.bytes += len(pcm)
	if s.metrics != nil {
		s.metrics.AddAudioBytes(len(pcm))
	}
	return nil
}
