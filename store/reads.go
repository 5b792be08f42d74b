package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"killstory"
)

const (
	killmailColumns  = `killmail_id, killmail_time, solar_system_id, moon_id, war_id, position_x, position_y, position_z`
	victimColumns    = `id, killmail_id, alliance_id, character_id, corporation_id, faction_id, damage_taken, ship_type_id`
	attackerColumns  = `id, killmail_id, alliance_id, character_id, corporation_id, faction_id, damage_done, final_blow, security_status, ship_type_id, weapon_type_id`
	itemColumns      = `id, victim_id, item_type_id, flag, quantity_destroyed, quantity_dropped, singleton`
	containedColumns = `id, parent_item_id, item_type_id, flag, quantity_destroyed, quantity_dropped, singleton`
)

func (s *Store) get(ctx context.Context, dest any, query string, args ...any) error {
	if err := s.db.GetContext(ctx, dest, s.db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Killmails lists killmails, newest first.
func (s *Store) Killmails(ctx context.Context, limit, offset int) ([]killstory.Killmail, error) {
	killmails := []killstory.Killmail{}
	query := s.db.Rebind(`SELECT ` + killmailColumns + ` FROM kill_killmail
		ORDER BY killmail_time DESC, killmail_id DESC LIMIT ? OFFSET ?`)

	if err := s.db.SelectContext(ctx, &killmails, query, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list killmails: %w", err)
	}

	return killmails, nil
}

func (s *Store) CountKillmails(ctx context.Context) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM kill_killmail`); err != nil {
		return 0, fmt.Errorf("failed to count killmails: %w", err)
	}
	return count, nil
}

// Killmail loads a killmail with its victim, items, contained items and
// attackers.
func (s *Store) Killmail(ctx context.Context, killmailID int32) (*killstory.KillmailDetail, error) {
	detail := &killstory.KillmailDetail{Attackers: []killstory.Attacker{}}

	if err := s.get(ctx, &detail.Killmail, `SELECT `+killmailColumns+` FROM kill_killmail WHERE killmail_id = ?`, killmailID); err != nil {
		return nil, fmt.Errorf("failed to get killmail %d: %w", killmailID, err)
	}

	var victim killstory.Victim
	err := s.get(ctx, &victim, `SELECT `+victimColumns+` FROM kill_victim WHERE killmail_id = ?`, killmailID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to get victim of killmail %d: %w", killmailID, err)
	default:
		if detail.Victim, err = s.victimDetail(ctx, victim); err != nil {
			return nil, err
		}
	}

	query := s.db.Rebind(`SELECT ` + attackerColumns + ` FROM kill_attacker WHERE killmail_id = ? ORDER BY id`)
	if err := s.db.SelectContext(ctx, &detail.Attackers, query, killmailID); err != nil {
		return nil, fmt.Errorf("failed to list attackers of killmail %d: %w", killmailID, err)
	}

	return detail, nil
}

func (s *Store) victimDetail(ctx context.Context, victim killstory.Victim) (*killstory.VictimDetail, error) {
	var items []killstory.VictimItem
	query := s.db.Rebind(`SELECT ` + itemColumns + ` FROM kill_victim_item WHERE victim_id = ? ORDER BY id`)
	if err := s.db.SelectContext(ctx, &items, query, victim.ID); err != nil {
		return nil, fmt.Errorf("failed to list items of victim %d: %w", victim.ID, err)
	}

	var contained []killstory.VictimContainedItem
	query = s.db.Rebind(`SELECT c.id, c.parent_item_id, c.item_type_id, c.flag, c.quantity_destroyed, c.quantity_dropped, c.singleton
		FROM kill_victim_contained_item c
		JOIN kill_victim_item i ON i.id = c.parent_item_id
		WHERE i.victim_id = ? ORDER BY c.id`)
	if err := s.db.SelectContext(ctx, &contained, query, victim.ID); err != nil {
		return nil, fmt.Errorf("failed to list contained items of victim %d: %w", victim.ID, err)
	}

	byParent := make(map[int64][]killstory.VictimContainedItem)
	for _, c := range contained {
		byParent[c.ParentItemID] = append(byParent[c.ParentItemID], c)
	}

	detail := &killstory.VictimDetail{Victim: victim, Items: make([]killstory.VictimItemDetail, 0, len(items))}
	for _, item := range items {
		children := byParent[item.ID]
		if children == nil {
			children = []killstory.VictimContainedItem{}
		}
		detail.Items = append(detail.Items, killstory.VictimItemDetail{VictimItem: item, ContainedItems: children})
	}

	return detail, nil
}

func (s *Store) Victim(ctx context.Context, id int64) (*killstory.Victim, error) {
	var victim killstory.Victim
	if err := s.get(ctx, &victim, `SELECT `+victimColumns+` FROM kill_victim WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to get victim %d: %w", id, err)
	}
	return &victim, nil
}

func (s *Store) Attacker(ctx context.Context, id int64) (*killstory.Attacker, error) {
	var attacker killstory.Attacker
	if err := s.get(ctx, &attacker, `SELECT `+attackerColumns+` FROM kill_attacker WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to get attacker %d: %w", id, err)
	}
	return &attacker, nil
}

func (s *Store) VictimItem(ctx context.Context, id int64) (*killstory.VictimItem, error) {
	var item killstory.VictimItem
	if err := s.get(ctx, &item, `SELECT `+itemColumns+` FROM kill_victim_item WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to get item %d: %w", id, err)
	}
	return &item, nil
}

func (s *Store) ContainedItem(ctx context.Context, id int64) (*killstory.VictimContainedItem, error) {
	var item killstory.VictimContainedItem
	if err := s.get(ctx, &item, `SELECT `+containedColumns+` FROM kill_victim_contained_item WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to get contained item %d: %w", id, err)
	}
	return &item, nil
}
