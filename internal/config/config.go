// Package config loads the recorder configuration: YAML file first, then
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/amanullahtanweer/voicemeet-recorder/internal/audio"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/merge"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/transcriber"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Host      string `yaml:"host"`
		Port      int    `yaml:"port"`
		PromptDir string `yaml:"prompt_dir"`
		// RMS level a frame must reach to count as speech; negative disables detection
		VoiceThreshold int `yaml:"voice_threshold"`
	} `yaml:"server"`
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Recording struct {
		Path        string        `yaml:"path"`
		SampleRate  int           `yaml:"sample_rate"`
		Channels    int           `yaml:"channels"`
		Bitrate     string        `yaml:"bitrate"`
		Silence     time.Duration `yaml:"silence"`
		StopGrace   time.Duration `yaml:"stop_grace"`
		AutoProcess bool          `yaml:"auto_process"`
	} `yaml:"recording"`
	Merge struct {
		Mixer      string `yaml:"mixer"` // ffmpeg or native
		FFmpegPath string `yaml:"ffmpeg_path"`
		MaxFanIn   int    `yaml:"max_fan_in"`
		MinChunkMs int64  `yaml:"min_chunk_ms"`
		GapPolicy  string `yaml:"gap_policy"`
		MaxGapMs   int64  `yaml:"max_gap_ms"`
	} `yaml:"merge"`
	Transcription transcriber.Config `yaml:"transcription"`
	Summary       struct {
		Enabled bool   `yaml:"enabled"`
		Model   string `yaml:"model"`
	} `yaml:"summary"`
	Core struct {
		URL     string        `yaml:"url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"core"`
	Redis struct {
		Addr      string `yaml:"addr"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		Prefix    string `yaml:"prefix"`
		Namespace string `yaml:"namespace"`
	} `yaml:"redis"`
	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
}

// Default returns a configuration usable without a file.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 9092
	cfg.Server.VoiceThreshold = 300
	cfg.HTTP.Addr = ":8080"
	cfg.Recording.Path = "recordings"
	cfg.Recording.SampleRate = 8000
	cfg.Recording.Channels = 1
	cfg.Recording.Bitrate = "64k"
	cfg.Recording.Silence = time.Second
	cfg.Recording.StopGrace = 2 * time.Second
	cfg.Recording.AutoProcess = true
	cfg.Merge.Mixer = "ffmpeg"
	cfg.Merge.FFmpegPath = "ffmpeg"
	cfg.Merge.MaxFanIn = merge.DefaultMaxFanIn
	cfg.Merge.MinChunkMs = merge.DefaultMinChunkMs
	cfg.Merge.GapPolicy = string(merge.GapRaw)
	cfg.Transcription.Provider = "openai"
	cfg.Transcription.Model = transcriber.DefaultModel
	cfg.Transcription.Language = transcriber.DefaultLanguage
	cfg.Transcription.Timeout = 30 * time.Minute
	cfg.Summary.Enabled = true
	cfg.Summary.Model = transcriber.DefaultSummaryModel
	cfg.Core.Timeout = 10 * time.Second
	cfg.Redis.Prefix = "recorder:"
	cfg.Redis.Namespace = "default"
	cfg.Log.Level = "info"
	return cfg
}

// Load reads path over the defaults. A missing file is not an error so the
// recorder can run purely from the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			defer file.Close()
			decoder := yaml.NewDecoder(file)
			if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Recording.Path = getenv("RECORDINGS_PATH", c.Recording.Path)
	c.Core.URL = getenv("CORE_URL", c.Core.URL)
	c.Transcription.APIKey = getenv("OPENAI_KEY", c.Transcription.APIKey)
	c.Transcription.Organization = getenv("OPENAI_ORG", c.Transcription.Organization)
	c.Transcription.Project = getenv("OPENAI_PROJ", c.Transcription.Project)
	c.Transcription.Provider = getenv("TRANSCRIPTION_PROVIDER", c.Transcription.Provider)
	c.Transcription.VoskURL = getenv("VOSK_URL", c.Transcription.VoskURL)
	c.Transcription.ModelPath = getenv("WHISPER_MODEL_PATH", c.Transcription.ModelPath)
	c.Redis.Addr = getenv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getenv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.Namespace = getenv("GUILD_ID", c.Redis.Namespace)
	c.Server.Port = getenvInt("AUDIOSOCKET_PORT", c.Server.Port)
	c.Server.VoiceThreshold = getenvInt("VOICE_THRESHOLD", c.Server.VoiceThreshold)
	c.HTTP.Addr = getenv("HTTP_ADDR", c.HTTP.Addr)
	c.Merge.Mixer = getenv("MIXER", c.Merge.Mixer)
	c.Summary.Enabled = getenvBool("SUMMARY_ENABLED", c.Summary.Enabled)
	c.Log.Level = getenv("LOG_LEVEL", c.Log.Level)
	c.Log.Pretty = getenvBool("LOG_PRETTY", c.Log.Pretty)
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Recording.Path == "" {
		return errors.New("recording.path is required")
	}
	if c.Recording.SampleRate <= 0 {
		return fmt.Errorf("invalid recording.sample_rate %d", c.Recording.SampleRate)
	}
	if c.Recording.Channels != 1 && c.Recording.Channels != 2 {
		return fmt.Errorf("invalid recording.channels %d", c.Recording.Channels)
	}
	if c.Merge.Mixer != "ffmpeg" && c.Merge.Mixer != "native" {
		return fmt.Errorf("unknown merge.mixer %q", c.Merge.Mixer)
	}
	if _, err := merge.ParseGapPolicy(c.Merge.GapPolicy); err != nil {
		return err
	}
	if c.Merge.MaxFanIn <= 0 {
		return fmt.Errorf("invalid merge.max_fan_in %d", c.Merge.MaxFanIn)
	}
	return nil
}

// AudioSettings is the raw chunk format.
func (c *Config) AudioSettings() audio.Settings {
	return audio.Settings{
		SampleRate: c.Recording.SampleRate,
		Channels:   c.Recording.Channels,
		Bitrate:    c.Recording.Bitrate,
	}
}

func (c *Config) MergeConfig() merge.Config {
	policy, _ := merge.ParseGapPolicy(c.Merge.GapPolicy)
	return merge.Config{
		MaxFanIn:   c.Merge.MaxFanIn,
		MinChunkMs: c.Merge.MinChunkMs,
		GapPolicy:  policy,
		MaxGapMs:   c.Merge.MaxGapMs,
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch v {
		case "0", "false", "no", "off", "False", "FALSE":
			return false
		default:
			return true
		}
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
