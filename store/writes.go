package store

import (
	"context"
	"fmt"
	"killstory"
)

func (t *Tx) InsertKillmail(ctx context.Context, km killstory.Killmail) error {
	query := t.tx.Rebind(`INSERT INTO kill_killmail
		(killmail_id, killmail_time, solar_system_id, moon_id, war_id, position_x, position_y, position_z)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	if _, err := t.tx.ExecContext(ctx, query,
		km.KillmailID, km.KillmailTime, km.SolarSystemID, km.MoonID, km.WarID,
		km.PositionX, km.PositionY, km.PositionZ,
	); err != nil {
		return fmt.Errorf("failed to insert killmail %d: %w", km.KillmailID, err)
	}

	return nil
}

func (t *Tx) InsertVictim(ctx context.Context, v killstory.Victim) (int64, error) {
	id, err := t.insertReturningID(ctx, `INSERT INTO kill_victim
		(killmail_id, alliance_id, character_id, corporation_id, faction_id, damage_taken, ship_type_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.KillmailID, v.AllianceID, v.CharacterID, v.CorporationID, v.FactionID, v.DamageTaken, v.ShipTypeID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert victim of killmail %d: %w", v.KillmailID, err)
	}

	return id, nil
}

func (t *Tx) InsertVictimItem(ctx context.Context, item killstory.VictimItem) (int64, error) {
	id, err := t.insertReturningID(ctx, `INSERT INTO kill_victim_item
		(victim_id, item_type_id, flag, quantity_destroyed, quantity_dropped, singleton)
		VALUES (?, ?, ?, ?, ?, ?)`,
		item.VictimID, item.ItemTypeID, item.Flag, item.QuantityDestroyed, item.QuantityDropped, item.Singleton,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert item of victim %d: %w", item.VictimID, err)
	}

	return id, nil
}

func (t *Tx) InsertContainedItem(ctx context.Context, item killstory.VictimContainedItem) (int64, error) {
	id, err := t.insertReturningID(ctx, `INSERT INTO kill_victim_contained_item
		(parent_item_id, item_type_id, flag, quantity_destroyed, quantity_dropped, singleton)
		VALUES (?, ?, ?, ?, ?, ?)`,
		item.ParentItemID, item.ItemTypeID, item.Flag, item.QuantityDestroyed, item.QuantityDropped, item.Singleton,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert contained item of item %d: %w", item.ParentItemID, err)
	}

	return id, nil
}

func (t *Tx) InsertAttacker(ctx context.Context, a killstory.Attacker) (int64, error) {
	id, err := t.insertReturningID(ctx, `INSERT INTO kill_attacker
		(killmail_id, alliance_id, character_id, corporation_id, faction_id, damage_done, final_blow, security_status, ship_type_id, weapon_type_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.KillmailID, a.AllianceID, a.CharacterID, a.CorporationID, a.FactionID,
		a.DamageDone, a.FinalBlow, a.SecurityStatus, a.ShipTypeID, a.WeaponTypeID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert attacker of killmail %d: %w", a.KillmailID, err)
	}

	return id, nil
}

// DeleteKillmail removes a killmail; its victim, items and attackers follow
// through the cascading foreign keys.
func (s *Store) DeleteKillmail(ctx context.Context, killmailID int32) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM kill_killmail WHERE killmail_id = ?`), killmailID)
	if err != nil {
		return fmt.Errorf("failed to delete killmail %d: %w", killmailID, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	return nil
}
