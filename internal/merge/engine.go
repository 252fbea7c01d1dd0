package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/amanullahtanweer/voicemeet-recorder/internal/audio"
	"github.com/amanullahtanweer/voicemeet-recorder/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxFanIn is the number of inputs mixed per batch.
	DefaultMaxFanIn = 50
	// DefaultMinChunkMs is the noise floor; chunks must be strictly longer.
	DefaultMinChunkMs = 800

	MetadataFile = "metadata.json"
	mergedBase   = "merged"
)

// ErrMixFailed wraps any mixer failure. Raw chunks are left in place.
var ErrMixFailed = errors.New("mix failed")

// Config tunes the engine; zero values select the defaults.
type Config struct {
	MaxFanIn   int
	MinChunkMs int64
	GapPolicy  GapPolicy
	MaxGapMs   int64
}

// Engine merges one capture directory at a time. Batches run sequentially.
type Engine struct {
	mixer    Mixer
	settings audio.Settings
	config   Config
	log      zerolog.Logger
}

func NewEngine(mixer Mixer, settings audio.Settings, config Config, logger zerolog.Logger) *Engine {
	if config.MaxFanIn <= 0 {
		config.MaxFanIn = DefaultMaxFanIn
	}
	if config.MinChunkMs <= 0 {
		config.MinChunkMs = DefaultMinChunkMs
	}
	if config.GapPolicy == "" {
		config.GapPolicy = GapRaw
	}
	return &Engine{
		mixer:    mixer,
		settings: settings,
		config:   config,
		log:      logger.With().Str("component", "merge").Logger(),
	}
}

// OutputPath is where Merge writes the final recording for dir.
func (e *Engine) OutputPath(dir string) string {
	return filepath.Join(dir, mergedBase+"."+e.mixer.Ext())
}

// Merge mixes every qualifying chunk in dir into OutputPath(dir). A directory
// without qualifying chunks yields an empty placeholder file and an empty
// Recording. m may be nil.
func (e *Engine) Merge(ctx context.Context, dir string, m *metrics.RecordingMetrics) (*Recording, error) {
	started := time.Now()
	out := e.OutputPath(dir)

	chunks, err := Scan(dir, e.settings, e.config.MinChunkMs)
	if err != nil {
		return nil, err
	}

	if len(chunks) == 0 {
		e.log.Info().Str("dir", dir).Msg("no chunks to merge")
		if err := os.WriteFile(out, nil, 0644); err != nil {
			return nil, fmt.Errorf("failed to write placeholder: %w", err)
		}
		return &Recording{Path: out, Chunks: []Chunk{}}, nil
	}

	assignOffsets(chunks, e.config.GapPolicy, e.config.MaxGapMs)
	rec := &Recording{
		Path:           out,
		ChunkCount:     len(chunks),
		StartTimestamp: chunks[0].GlobalTimestamp,
		Chunks:         chunks,
	}

	groups := Partition(chunks, e.config.MaxFanIn)
	batches := make([]Batch, len(groups))
	for i, group := range groups {
		batches[i] = Batch{Index: i, Chunks: group, Output: filepath.Join(dir, fmt.Sprintf("batch_%d.wav", i))}
	}
	defer removeBatchFiles(batches)

	e.log.Info().
		Str("dir", dir).
		Int("chunks", len(chunks)).
		Int("batches", len(batches)).
		Str("gap_policy", string(e.config.GapPolicy)).
		Msg("merging recording")

	outputs := make([]string, 0, len(batches))
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("merge aborted before batch %d: %w", b.Index, err)
		}
		inputs := make([]Input, len(b.Chunks))
		for i, c := range b.Chunks {
			inputs[i] = Input{Path: c.Path, DelayMs: c.OffsetMs}
		}
		if err := e.mixer.MixBatch(ctx, inputs, b.Output); err != nil {
			return nil, fmt.Errorf("%w: batch %d: %v", ErrMixFailed, b.Index, err)
		}
		e.log.Debug().Int("batch", b.Index).Int("inputs", len(inputs)).Msg("batch mixed")
		outputs = append(outputs, b.Output)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("merge aborted before final mix: %w", err)
	}
	if err := e.mixer.MixFinal(ctx, outputs, out); err != nil {
		return nil, fmt.Errorf("%w: final: %v", ErrMixFailed, err)
	}

	if err := writeMetadata(filepath.Join(dir, MetadataFile), rec); err != nil {
		e.log.Warn().Err(err).Msg("failed to write chunk metadata")
	}

	took := time.Since(started)
	if m != nil {
		m.SetMerge(len(chunks), len(batches), took)
	}
	e.log.Info().Str("output", out).Dur("took", took).Msg("merge complete")
	return rec, nil
}

func removeBatchFiles(batches []Batch) {
	for _, b := range batches {
		os.Remove(b.Output)
	}
}

func writeMetadata(path string, rec *Recording) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadMetadata reads the chunk records written by a previous merge.
func LoadMetadata(dir string) (*Recording, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, err
	}
	var rec Recording
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", MetadataFile, err)
	}
	return &rec, nil
}
