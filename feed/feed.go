// Package feed publishes persisted killmails on a redis stream and carries the
// population tasks between the scheduler and the workers.
package feed

import (
	"context"
	"fmt"
	"killstory"
	"killstory/batch"
	"killstory/mapper"
	"strings"
	"time"

	"github.com/antihax/goesi/esi"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Connect accepts either a redis:// URL or a plain host:port address.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts := &redis.Options{Addr: url}
	if strings.Contains(url, "://") {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis URL: %w", err)
		}
		opts = parsed
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return rdb, nil
}

type Publisher struct {
	logger zerolog.Logger
	rdb    *redis.Client
}

func NewPublisher(logger zerolog.Logger, rdb *redis.Client) *Publisher {
	return &Publisher{logger: logger, rdb: rdb}
}

// Publish adds every entry to the killmail stream. Failures are logged; the
// killmails are already persisted.
func (p *Publisher) Publish(ctx context.Context, entries []batch.Entry) {
	for _, entry := range entries {
		logger := p.logger.With().Int32("killmail-id", entry.Killmail.KillmailID).Logger()

		if err := p.publish(ctx, entry); err != nil {
			logger.Error().Err(err).Msg("failed to publish killmail")
		}
	}
}

func (p *Publisher) publish(ctx context.Context, entry batch.Entry) error {
	encodedKillmail, err := json.Marshal(ToESI(entry.Record))
	if err != nil {
		return fmt.Errorf("failed to encode killmail: %w", err)
	}

	encodedKillmailZkb, err := json.Marshal(killstory.KillmailZkb{Hash: entry.Hash})
	if err != nil {
		return fmt.Errorf("failed to encode killmail zkb: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: killstory.StreamKillmails,
		ID:     "*",
		MaxLen: killstory.StreamMaxLength,
		Approx: true,
		Values: map[string]any{
			"killmail":     string(encodedKillmail),
			"killmail_zkb": string(encodedKillmailZkb),
		},
	}

	if err := p.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to add killmail to stream: %w", err)
	}

	return nil
}

func value[T any](v *T) T {
	if v == nil {
		var zero T
		return zero
	}
	return *v
}

// ToESI converts a decoded payload to the goesi model. Absent optional values
// become zero.
func ToESI(rec *mapper.Record) killstory.ESIKillmail {
	km := killstory.ESIKillmail{
		KillmailId:    value(rec.KillmailID),
		SolarSystemId: value(rec.SolarSystemID),
		MoonId:        value(rec.MoonID),
		WarId:         value(rec.WarID),
	}

	if rec.KillmailTime != nil {
		km.KillmailTime = rec.KillmailTime.UTC()
	}

	if rec.Victim != nil {
		km.Victim = esiVictim(rec.Victim)
	}

	// ESI only knows the victim position.
	if rec.Position != nil && (rec.Victim == nil || rec.Victim.Position == nil) {
		km.Victim.Position = esiPosition(rec.Position)
	}

	km.Attackers = make([]esi.GetKillmailsKillmailIdKillmailHashAttacker, 0, len(rec.Attackers))
	for _, a := range rec.Attackers {
		km.Attackers = append(km.Attackers, esi.GetKillmailsKillmailIdKillmailHashAttacker{
			AllianceId:     value(a.AllianceID),
			CharacterId:    value(a.CharacterID),
			CorporationId:  value(a.CorporationID),
			DamageDone:     value(a.DamageDone),
			FactionId:      value(a.FactionID),
			FinalBlow:      value(a.FinalBlow),
			SecurityStatus: float32(value(a.SecurityStatus)),
			ShipTypeId:     value(a.ShipTypeID),
			WeaponTypeId:   value(a.WeaponTypeID),
		})
	}

	return km
}

func esiPosition(p *mapper.Position) esi.GetKillmailsKillmailIdKillmailHashPosition {
	return esi.GetKillmailsKillmailIdKillmailHashPosition{
		X: value(p.X),
		Y: value(p.Y),
		Z: value(p.Z),
	}
}

func esiVictim(v *mapper.VictimRecord) esi.GetKillmailsKillmailIdKillmailHashVictim {
	victim := esi.GetKillmailsKillmailIdKillmailHashVictim{
		AllianceId:    value(v.AllianceID),
		CharacterId:   value(v.CharacterID),
		CorporationId: value(v.CorporationID),
		DamageTaken:   value(v.DamageTaken),
		FactionId:     value(v.FactionID),
		ShipTypeId:    value(v.ShipTypeID),
	}

	if v.Position != nil {
		victim.Position = esiPosition(v.Position)
	}

	for _, item := range v.Items {
		esiItem := esi.GetKillmailsKillmailIdKillmailHashItem{
			Flag:              value(item.Flag),
			ItemTypeId:        value(item.ItemTypeID),
			QuantityDestroyed: value(item.QuantityDestroyed),
			QuantityDropped:   value(item.QuantityDropped),
			Singleton:         value(item.Singleton),
		}

		for _, contained := range item.Items {
			esiItem.Items = append(esiItem.Items, esi.GetKillmailsKillmailIdKillmailHashItemsItem{
				Flag:              value(contained.Flag),
				ItemTypeId:        value(contained.ItemTypeID),
				QuantityDestroyed: value(contained.QuantityDestroyed),
				QuantityDropped:   value(contained.QuantityDropped),
				Singleton:         value(contained.Singleton),
			})
		}

		victim.Items = append(victim.Items, esiItem)
	}

	return victim
}

const cursorTTL = 24 * time.Hour

// Read returns the killmails added to the stream after the cursor stored under
// cursorKey, encoded as CombinedKillmail JSON, and advances the cursor. A
// missing cursor starts at the end of the stream.
func Read(ctx context.Context, rdb *redis.Client, cursorKey string, count int64, block time.Duration) ([][]byte, error) {
	latestID, err := rdb.Get(ctx, cursorKey).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to get latest ID from redis: %w", err)
	}

	if latestID == "" {
		// Pin the end of the stream now so nothing added between two reads is
		// skipped.
		if latestID, err = lastGeneratedID(ctx, rdb); err != nil {
			return nil, err
		}

		if err := rdb.Set(ctx, cursorKey, latestID, cursorTTL).Err(); err != nil {
			return nil, fmt.Errorf("failed to store latest ID to redis: %w", err)
		}
	}

	args := &redis.XReadArgs{
		ID:      latestID,
		Streams: []string{killstory.StreamKillmails},
		Count:   count,
		Block:   block,
	}

	killmails := [][]byte{}

	streams, err := rdb.XRead(ctx, args).Result()
	if err == redis.Nil {
		return killmails, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read from redis stream: %w", err)
	}

	for _, stream := range streams {
		for _, message := range stream.Messages {
			latestID = message.ID

			payload, err := decodeMessage(message)
			if err != nil {
				return nil, err
			}

			killmails = append(killmails, payload)
		}
	}

	if err := rdb.Set(ctx, cursorKey, latestID, cursorTTL).Err(); err != nil {
		return nil, fmt.Errorf("failed to store latest ID to redis: %w", err)
	}

	return killmails, nil
}

// lastGeneratedID returns the ID of the last entry ever added to the killmail
// stream, or 0-0 when the stream does not exist yet.
func lastGeneratedID(ctx context.Context, rdb *redis.Client) (string, error) {
	info, err := rdb.XInfoStream(ctx, killstory.StreamKillmails).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return "0-0", nil
		}
		return "", fmt.Errorf("failed to read killmail stream info: %w", err)
	}

	return info.LastGeneratedID, nil
}

func decodeMessage(message redis.XMessage) ([]byte, error) {
	encodedKillmail, ok := message.Values["killmail"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid killmail message %s", message.ID)
	}

	encodedKillmailZkb, ok := message.Values["killmail_zkb"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid killmail message %s, missing zkb fields", message.ID)
	}

	var killmail killstory.ESIKillmail
	if err := json.Unmarshal([]byte(encodedKillmail), &killmail); err != nil {
		return nil, fmt.Errorf("failed to decode killmail message %s: %w", message.ID, err)
	}

	var killmailZkb killstory.KillmailZkb
	if err := json.Unmarshal([]byte(encodedKillmailZkb), &killmailZkb); err != nil {
		return nil, fmt.Errorf("failed to decode killmail message %s zkb fields: %w", message.ID, err)
	}

	payload, err := json.Marshal(killstory.Combine(killmail, killmailZkb))
	if err != nil {
		return nil, fmt.Errorf("failed to encode combined killmail %s: %w", message.ID, err)
	}

	return payload, nil
}
