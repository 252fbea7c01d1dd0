// Package server is the AudioSocket voice gateway. Every participant of the
// voice channel is one AudioSocket connection whose UUID is the speaker id.
package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/CyCoreSystems/audiosocket"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/audio"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/capture"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Config struct {
	Host      string
	Port      int
	PromptDir string // directory with recording_notice.wav, optional

	// VoiceThreshold is the RMS level a SLIN frame must reach to count as
	// speech. Zero means DefaultVoiceThreshold, negative counts every frame.
	VoiceThreshold float64
	// Hangover is how long a speaker may stay below the threshold before
	// speaking ends. Zero means capture.DefaultSilence.
	Hangover time.Duration
}

// DefaultVoiceThreshold sits above the comfort noise of a muted line.
const DefaultVoiceThreshold = 300

// ErrUnknownSpeaker is returned when subscribing to a speaker that is not connected.
var ErrUnknownSpeaker = errors.New("speaker not connected")

type handlerPair struct {
	start func(string)
	end   func(string)
}

type Server struct {
	config   Config
	listener net.Listener
	wg       sync.WaitGroup
	shutdown chan struct{}
	player   *audio.Player
	log      zerolog.Logger

	mu           sync.Mutex
	handlers     map[int]handlerPair
	nextHandler  int
	participants map[string]*participant
}

type participant struct {
	id        uuid.UUID
	conn      net.Conn
	speaking  bool      // owned by the connection goroutine
	lastVoice time.Time // owned by the connection goroutine
	sub       *subscription
	startTime time.Time
}

var _ capture.Receiver = (*Server)(nil)

func New(config Config, logger zerolog.Logger) (*Server, error) {
	log := logger.With().Str("component", "audiosocket").Logger()
	if config.VoiceThreshold == 0 {
		config.VoiceThreshold = DefaultVoiceThreshold
	}
	if config.Hangover <= 0 {
		config.Hangover = capture.DefaultSilence
	}

	var player *audio.Player
	if config.PromptDir != "" {
		var err error
		player, err = audio.NewPlayer(config.PromptDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize audio player: %w", err)
		}
	}

	return &Server{
		config:       config,
		shutdown:     make(chan struct{}),
		player:       player,
		log:          log,
		handlers:     make(map[int]handlerPair),
		participants: make(map[string]*participant),
	}, nil
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(listener)
}

// Serve accepts AudioSocket connections on listener.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info().Str("addr", listener.Addr().String()).Msg("AudioSocket server listening")

	for {
		select {
		case <-s.shutdown:
			return nil
		default:
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-s.shutdown:
					return nil
				default:
					s.log.Warn().Err(err).Msg("accept error")
					continue
				}
			}

			s.wg.Add(1)
			go s.handleConnection(conn)
		}
	}
}

// Stop closes the listener and every participant connection, then waits for
// the connection goroutines.
func (s *Server) Stop() {
	close(s.shutdown)

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for _, p := range s.participants {
		p.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Participants returns the connected speaker ids.
func (s *Server) Participants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.participants))
	for id := range s.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OnSpeaking implements capture.Receiver.
func (s *Server) OnSpeaking(start, end func(speakerID string)) func() {
	s.mu.Lock()
	id := s.nextHandler
	s.nextHandler++
	s.handlers[id] = handlerPair{start: start, end: end}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.handlers, id)
			s.mu.Unlock()
		})
	}
}

// Subscribe implements capture.Receiver. A previous subscription for the same
// speaker is closed.
func (s *Server) Subscribe(speakerID string, endAfterSilence time.Duration) (capture.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[speakerID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", speakerID, ErrUnknownSpeaker)
	}
	if p.sub != nil {
		p.sub.Close()
	}
	p.sub = newSubscription(endAfterSilence)
	return p.sub, nil
}

func (s *Server) emit(speakerID string, starting bool) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.handlers))
	for id := range s.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	pairs := make([]handlerPair, 0, len(ids))
	for _, id := range ids {
		pairs = append(pairs, s.handlers[id])
	}
	s.mu.Unlock()

	// handlers run without mu so they can Subscribe
	for _, h := range pairs {
		if starting {
			h.start(speakerID)
		} else {
			h.end(speakerID)
		}
	}
}

// deliver forwards a frame to the speaker's subscription. Only voiced
// frames hold the subscription open.
func (s *Server) deliver(p *participant, payload []byte, voiced bool) {
	s.mu.Lock()
	sub := p.sub
	s.mu.Unlock()

	if sub != nil {
		frame := make([]byte, len(payload))
		copy(frame, payload)
		sub.push(frame, voiced)
	}
}

// streamEnded reports whether the speaker's subscription has closed, for
// instance on its silence timer. An ended subscription is dropped.
func (s *Server) streamEnded(p *participant) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.sub == nil {
		return false
	}
	select {
	case <-p.sub.Done():
		p.sub = nil
		return true
	default:
		return false
	}
}

func (s *Server) voiced(payload []byte) bool {
	if s.config.VoiceThreshold < 0 {
		return true
	}
	return audio.RMS(payload) >= s.config.VoiceThreshold
}

func (s *Server) stopSpeaking(p *participant) {
	if p.speaking {
		p.speaking = false
		s.emit(p.id.String(), false)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	id, err := audiosocket.GetID(conn)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("failed to get ID")
		return
	}
	speakerID := id.String()
	log := s.log.With().Str("speaker", speakerID).Logger()

	p := &participant{id: id, conn: conn, startTime: time.Now()}
	s.mu.Lock()
	if old, ok := s.participants[speakerID]; ok {
		log.Warn().Msg("duplicate connection, dropping previous one")
		old.conn.Close()
	}
	s.participants[speakerID] = p
	s.mu.Unlock()

	log.Info().Msg("participant joined")

	if s.player != nil {
		go func() {
			if err := s.player.PlayNotice(conn); err != nil {
				log.Warn().Err(err).Msg("failed to play recording notice")
			}
		}()
	}

	for {
		msg, err := audiosocket.NextMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("connection read ended")
			}
			break
		}
		if !s.handleMessage(p, msg, log) {
			break
		}
	}

	s.stopSpeaking(p)

	s.mu.Lock()
	if p.sub != nil {
		p.sub.Close()
	}
	if s.participants[speakerID] == p {
		delete(s.participants, speakerID)
	}
	s.mu.Unlock()

	log.Info().Dur("duration", time.Since(p.startTime)).Msg("participant left")
}

// handleMessage returns false when the connection should end.
func (s *Server) handleMessage(p *participant, msg audiosocket.Message, log zerolog.Logger) bool {
	speakerID := p.id.String()

	switch msg.Kind() {
	case audiosocket.KindSlin:
		payload := msg.Payload()
		if len(payload) == 0 {
			return true
		}
		// a subscription that timed out ended the utterance on the capture side
		if p.speaking && s.streamEnded(p) {
			s.stopSpeaking(p)
		}

		now := time.Now()
		voiced := s.voiced(payload)
		switch {
		case voiced:
			p.lastVoice = now
			if !p.speaking {
				p.speaking = true
				s.emit(speakerID, true)
			}
			s.deliver(p, payload, true)
		case p.speaking && now.Sub(p.lastVoice) >= s.config.Hangover:
			s.stopSpeaking(p)
		case p.speaking:
			s.deliver(p, payload, false)
		}

	case audiosocket.KindSilence:
		s.stopSpeaking(p)

	case audiosocket.KindDTMF:
		if len(msg.Payload()) > 0 {
			log.Debug().Str("digit", string(msg.Payload()[0])).Msg("DTMF")
		}

	case audiosocket.KindHangup:
		log.Debug().Msg("received hangup")
		return false

	case audiosocket.KindError:
		log.Warn().Int("code", int(msg.ErrorCode())).Msg("received error message")
		return false
	}

	return true
}
