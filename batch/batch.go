// Package batch accumulates mapped killmails and persists them in one
// transaction per batch.
package batch

import (
	"context"
	"errors"
	"fmt"
	"killstory"
	"killstory/mapper"
	"killstory/metrics"
	"killstory/store"

	"github.com/rs/zerolog"
)

const DefaultSize = killstory.DefaultBatchSize

// Entry is a killmail waiting to be persisted. Record holds the raw payload its
// sub-records are mapped from once the parent rows exist.
type Entry struct {
	Killmail killstory.Killmail
	Record   *mapper.Record
	Hash     string
}

// Engine is owned by a single run and is not safe for concurrent use.
type Engine struct {
	logger  zerolog.Logger
	store   *store.Store
	size    int
	entries []Entry

	flushes int
	saved   int
	skipped int

	// OnCommit receives the entries written by a committed flush.
	OnCommit func(ctx context.Context, saved []Entry)
	// OnDiscard receives the entries of a flush whose transaction failed.
	OnDiscard func(entries []Entry)
}

func New(logger zerolog.Logger, st *store.Store, size int) *Engine {
	if size < 1 {
		size = DefaultSize
	}

	return &Engine{
		logger:  logger,
		store:   st,
		size:    size,
		entries: make([]Entry, 0, size),
	}
}

// Append adds an entry and flushes once the batch size is reached.
func (e *Engine) Append(ctx context.Context, entry Entry) error {
	e.entries = append(e.entries, entry)
	if len(e.entries) < e.size {
		return nil
	}
	return e.Flush(ctx)
}

// Flush writes the pending entries. A record that conflicts with an existing
// row or carries a malformed sub-record is rolled back on its own and skipped;
// any other storage error aborts the whole batch. The pending list is cleared
// either way.
func (e *Engine) Flush(ctx context.Context) error {
	if len(e.entries) == 0 {
		return nil
	}

	entries := e.entries
	e.entries = make([]Entry, 0, e.size)
	e.flushes++

	metrics.BatchFlushes.Inc()
	metrics.BatchSize.Observe(float64(len(entries)))

	var saved []Entry
	skipped := 0

	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		saved = saved[:0]
		skipped = 0

		for _, entry := range entries {
			logger := e.logger.With().Int32("killmail-id", entry.Killmail.KillmailID).Logger()

			err := tx.Isolate(ctx, func() error {
				return save(ctx, tx, entry)
			})

			switch {
			case err == nil:
				saved = append(saved, entry)
			case store.IsIntegrityConflict(err):
				logger.Debug().Err(err).Msg("killmail already stored")
				metrics.KillmailsSkipped.WithLabelValues("duplicate").Inc()
				skipped++
			case errors.Is(err, mapper.ErrMalformed):
				logger.Warn().Err(err).Msg("skipping malformed killmail")
				metrics.KillmailsSkipped.WithLabelValues("malformed").Inc()
				skipped++
			default:
				return fmt.Errorf("failed to save killmail %d: %w", entry.Killmail.KillmailID, err)
			}
		}

		return nil
	})
	if err != nil {
		if e.OnDiscard != nil {
			e.OnDiscard(entries)
		}
		return fmt.Errorf("failed to flush batch of %d killmails: %w", len(entries), err)
	}

	e.saved += len(saved)
	e.skipped += skipped
	metrics.KillmailsSaved.Add(float64(len(saved)))

	e.logger.Info().Int("saved", len(saved)).Int("skipped", skipped).Msg("flushed batch")

	if e.OnCommit != nil && len(saved) > 0 {
		e.OnCommit(ctx, saved)
	}

	return nil
}

func save(ctx context.Context, tx *store.Tx, entry Entry) error {
	killmailID := entry.Killmail.KillmailID

	if err := tx.InsertKillmail(ctx, entry.Killmail); err != nil {
		return err
	}

	if entry.Record.Victim != nil {
		if err := saveVictim(ctx, tx, killmailID, entry.Record.Victim); err != nil {
			return err
		}
	}

	for i := range entry.Record.Attackers {
		attacker, err := mapper.Attacker(&entry.Record.Attackers[i], killmailID)
		if err != nil {
			return err
		}

		if _, err := tx.InsertAttacker(ctx, attacker); err != nil {
			return err
		}
	}

	return nil
}

func saveVictim(ctx context.Context, tx *store.Tx, killmailID int32, rec *mapper.VictimRecord) error {
	victim, err := mapper.Victim(rec, killmailID)
	if err != nil {
		return err
	}

	victimID, err := tx.InsertVictim(ctx, victim)
	if err != nil {
		return err
	}

	for i := range rec.Items {
		item, err := mapper.Item(&rec.Items[i], victimID)
		if err != nil {
			return err
		}

		itemID, err := tx.InsertVictimItem(ctx, item)
		if err != nil {
			return err
		}

		for j := range rec.Items[i].Items {
			contained, err := mapper.ContainedItem(&rec.Items[i].Items[j], itemID)
			if err != nil {
				return err
			}

			if _, err := tx.InsertContainedItem(ctx, contained); err != nil {
				return err
			}
		}
	}

	return nil
}

// Len returns the number of pending entries.
func (e *Engine) Len() int { return len(e.entries) }

// Flushes returns the number of flushes attempted, empty ones excluded.
func (e *Engine) Flushes() int { return e.flushes }

func (e *Engine) Saved() int { return e.saved }

func (e *Engine) Skipped() int { return e.skipped }
