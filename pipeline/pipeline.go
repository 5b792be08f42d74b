// Package pipeline runs the ingestion of every owned character: list their
// killmails, fetch each detail, map it and hand it to the batch engine.
package pipeline

import (
	"context"
	"fmt"
	"killstory"
	"killstory/batch"
	"killstory/fetch"
	"killstory/mapper"
	"killstory/metrics"
	"killstory/source"
	"killstory/store"
	"slices"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

const DefaultSeenCacheSize = 10000

type Identities interface {
	OwnedCharacterIDs(ctx context.Context) ([]int32, error)
}

// OwnedCharacters merges the configured character IDs with the ones registered
// in the store.
type OwnedCharacters struct {
	Static []int32
	Store  Identities
}

func (o OwnedCharacters) OwnedCharacterIDs(ctx context.Context) ([]int32, error) {
	ids := slices.Clone(o.Static)

	if o.Store != nil {
		stored, err := o.Store.OwnedCharacterIDs(ctx)
		if err != nil {
			return nil, err
		}
		ids = append(ids, stored...)
	}

	slices.Sort(ids)
	return slices.Compact(ids), nil
}

type Source interface {
	Killmails(ctx context.Context, characterID int32) ([]source.Ref, error)
	Killmail(ctx context.Context, killmailID int32, hash string) ([]byte, error)
}

// Report summarises a run for logs and metrics.
type Report struct {
	Identities       int
	FailedIdentities int
	Appended         int
	Saved            int
	Skipped          int
	Flushes          int
	Duration         time.Duration
}

type Pipeline struct {
	logger     zerolog.Logger
	identities Identities
	source     Source
	store      *store.Store
	batchSize  int
	onCommit   func(ctx context.Context, saved []batch.Entry)
	seenSize   int
}

type Option func(*Pipeline)

// WithSeenCacheSize bounds the killmails a single run remembers as appended.
func WithSeenCacheSize(size int) Option {
	return func(p *Pipeline) {
		p.seenSize = size
	}
}

// WithCommitHook is called with the killmails of every committed batch.
func WithCommitHook(fn func(ctx context.Context, saved []batch.Entry)) Option {
	return func(p *Pipeline) {
		p.onCommit = fn
	}
}

func New(logger zerolog.Logger, identities Identities, src Source, st *store.Store, batchSize int, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		logger:     logger,
		identities: identities,
		source:     src,
		store:      st,
		batchSize:  batchSize,
		seenSize:   DefaultSeenCacheSize,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.seenSize < 1 {
		return nil, fmt.Errorf("invalid seen cache size %d", p.seenSize)
	}

	return p, nil
}

// Run ingests the killmails of every owned character. A character whose
// processing fails is logged and skipped; the run goes on with the next one.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	report := Report{}

	ids, err := p.identities.OwnedCharacterIDs(ctx)
	if err != nil {
		metrics.Runs.WithLabelValues("error").Inc()
		return report, fmt.Errorf("failed to list owned characters: %w", err)
	}
	report.Identities = len(ids)

	// seen holds the killmails appended during this run.
	seen, err := lru.New[int32, struct{}](p.seenSize)
	if err != nil {
		metrics.Runs.WithLabelValues("error").Inc()
		return report, fmt.Errorf("failed to create seen cache: %w", err)
	}

	engine := batch.New(p.logger, p.store, p.batchSize)
	engine.OnCommit = p.onCommit
	engine.OnDiscard = func(entries []batch.Entry) {
		for _, entry := range entries {
			seen.Remove(entry.Killmail.KillmailID)
		}
	}

	p.logger.Info().Int("characters", len(ids)).Msg("starting killmail population")

	for _, characterID := range ids {
		if err := ctx.Err(); err != nil {
			metrics.Runs.WithLabelValues("cancelled").Inc()
			return p.finish(report, engine, start), err
		}

		logger := p.logger.With().Int32("character-id", characterID).Logger()

		if err := p.character(ctx, logger, engine, seen, characterID, &report); err != nil {
			logger.Error().Err(err).Msg("failed to process character")
			metrics.CharacterFailures.Inc()
			report.FailedIdentities++
		}
	}

	if err := engine.Flush(ctx); err != nil {
		metrics.Runs.WithLabelValues("error").Inc()
		return p.finish(report, engine, start), fmt.Errorf("failed to flush final batch: %w", err)
	}

	report = p.finish(report, engine, start)
	metrics.Runs.WithLabelValues("success").Inc()
	metrics.RunDuration.Observe(report.Duration.Seconds())

	p.logger.Info().
		Int("characters", report.Identities).
		Int("failed", report.FailedIdentities).
		Int("appended", report.Appended).
		Int("saved", report.Saved).
		Int("skipped", report.Skipped).
		Int("flushes", report.Flushes).
		Dur("duration", report.Duration).
		Msg("killmail population complete")

	return report, nil
}

func (p *Pipeline) finish(report Report, engine *batch.Engine, start time.Time) Report {
	report.Saved = engine.Saved()
	report.Skipped += engine.Skipped()
	report.Flushes = engine.Flushes()
	report.Duration = time.Since(start)
	return report
}

func (p *Pipeline) character(ctx context.Context, logger zerolog.Logger, engine *batch.Engine, seen *lru.Cache[int32, struct{}], characterID int32, report *Report) error {
	refs, err := p.source.Killmails(ctx, characterID)
	if err != nil {
		return fmt.Errorf("failed to fetch killmail list: %w", err)
	}

	if len(refs) == 0 {
		logger.Debug().Msg("no killmails")
		return nil
	}

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}

		kmLogger := logger.With().Int32("killmail-id", ref.ID).Logger()

		if seen.Contains(ref.ID) {
			metrics.KillmailsSkipped.WithLabelValues("seen").Inc()
			report.Skipped++
			continue
		}

		body, err := p.source.Killmail(ctx, ref.ID, ref.Hash)
		if err != nil {
			return fmt.Errorf("failed to fetch killmail %d: %w", ref.ID, err)
		}

		if body == nil {
			kmLogger.Debug().Msg("killmail detail unavailable")
			metrics.KillmailsSkipped.WithLabelValues("unavailable").Inc()
			report.Skipped++
			continue
		}

		entry, err := decode(body, ref)
		if err != nil {
			kmLogger.Warn().Err(err).Msg("skipping killmail")
			metrics.KillmailsSkipped.WithLabelValues("malformed").Inc()
			report.Skipped++
			continue
		}

		seen.Add(ref.ID, struct{}{})
		if err := engine.Append(ctx, entry); err != nil {
			return err
		}
		report.Appended++
	}

	return nil
}

func decode(body []byte, ref source.Ref) (batch.Entry, error) {
	rec, err := mapper.Decode(body)
	if err != nil {
		return batch.Entry{}, err
	}

	km, err := mapper.Killmail(rec)
	if err != nil {
		return batch.Entry{}, err
	}

	if km.KillmailID != ref.ID {
		return batch.Entry{}, fmt.Errorf("%w: detail for %d carries killmail_id %d", mapper.ErrMalformed, ref.ID, km.KillmailID)
	}

	return batch.Entry{Killmail: km, Record: rec, Hash: ref.Hash}, nil
}

// NewFromConfig builds a pipeline reading from the configured endpoints. The
// owned characters are the configured ones plus those registered in st.
func NewFromConfig(logger zerolog.Logger, config killstory.Config, st *store.Store, opts ...Option) (*Pipeline, error) {
	fetcher := fetch.NewClient(logger.With().Str("component", "fetch").Logger(), fetch.Config{
		Timeout:     config.RequestTimeout,
		MaxAttempts: config.RetryLimit,
		BackoffUnit: time.Second,
		UserAgent:   killstory.UserAgent(config.EsiContactInformation),
	})

	src := source.New(logger, fetcher, config.ListEndpoint, config.DetailEndpoint)
	identities := OwnedCharacters{Static: config.CharacterIDs, Store: st}

	return New(logger, identities, src, st, config.BatchSize, opts...)
}
