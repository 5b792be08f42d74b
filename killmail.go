package killstory

import (
	"time"

	"github.com/antihax/goesi/esi"
)

// Killmail is the root of the record graph. KillmailID is assigned by the source.
type Killmail struct {
	KillmailID    int32     `db:"killmail_id" json:"killmail_id"`
	KillmailTime  time.Time `db:"killmail_time" json:"killmail_time"`
	SolarSystemID int32     `db:"solar_system_id" json:"solar_system_id"`
	MoonID        *int32    `db:"moon_id" json:"moon_id"`
	WarID         *int32    `db:"war_id" json:"war_id"`
	PositionX     *float64  `db:"position_x" json:"position_x"`
	PositionY     *float64  `db:"position_y" json:"position_y"`
	PositionZ     *float64  `db:"position_z" json:"position_z"`
}

type Victim struct {
	ID            int64  `db:"id" json:"id"`
	KillmailID    int32  `db:"killmail_id" json:"killmail_id"`
	AllianceID    *int32 `db:"alliance_id" json:"alliance_id"`
	CharacterID   *int32 `db:"character_id" json:"character_id"`
	CorporationID *int32 `db:"corporation_id" json:"corporation_id"`
	FactionID     *int32 `db:"faction_id" json:"faction_id"`
	DamageTaken   int32  `db:"damage_taken" json:"damage_taken"`
	ShipTypeID    int32  `db:"ship_type_id" json:"ship_type_id"`
}

type Attacker struct {
	ID             int64   `db:"id" json:"id"`
	KillmailID     int32   `db:"killmail_id" json:"killmail_id"`
	AllianceID     *int32  `db:"alliance_id" json:"alliance_id"`
	CharacterID    *int32  `db:"character_id" json:"character_id"`
	CorporationID  *int32  `db:"corporation_id" json:"corporation_id"`
	FactionID      *int32  `db:"faction_id" json:"faction_id"`
	DamageDone     int32   `db:"damage_done" json:"damage_done"`
	FinalBlow      bool    `db:"final_blow" json:"final_blow"`
	SecurityStatus float64 `db:"security_status" json:"security_status"`
	ShipTypeID     int32   `db:"ship_type_id" json:"ship_type_id"`
	WeaponTypeID   *int32  `db:"weapon_type_id" json:"weapon_type_id"`
}

// VictimItem is an item fitted to or carried by the victim.
type VictimItem struct {
	ID                int64  `db:"id" json:"id"`
	VictimID          int64  `db:"victim_id" json:"victim_id"`
	ItemTypeID        int32  `db:"item_type_id" json:"item_type_id"`
	Flag              int32  `db:"flag" json:"flag"`
	QuantityDestroyed *int64 `db:"quantity_destroyed" json:"quantity_destroyed"`
	QuantityDropped   *int64 `db:"quantity_dropped" json:"quantity_dropped"`
	Singleton         int32  `db:"singleton" json:"singleton"`
}

// VictimContainedItem is an item found inside a container VictimItem.
type VictimContainedItem struct {
	ID                int64  `db:"id" json:"id"`
	ParentItemID      int64  `db:"parent_item_id" json:"parent_item_id"`
	ItemTypeID        int32  `db:"item_type_id" json:"item_type_id"`
	Flag              int32  `db:"flag" json:"flag"`
	QuantityDestroyed *int64 `db:"quantity_destroyed" json:"quantity_destroyed"`
	QuantityDropped   *int64 `db:"quantity_dropped" json:"quantity_dropped"`
	Singleton         int32  `db:"singleton" json:"singleton"`
}

// KillmailDetail is a killmail with its whole graph loaded.
type KillmailDetail struct {
	Killmail
	Victim    *VictimDetail `json:"victim"`
	Attackers []Attacker    `json:"attackers"`
}

type VictimDetail struct {
	Victim
	Items []VictimItemDetail `json:"items"`
}

type VictimItemDetail struct {
	VictimItem
	ContainedItems []VictimContainedItem `json:"contained_items"`
}

// KillmailZkb holds the zKillboard metadata attached to a killmail reference.
type KillmailZkb struct {
	Hash           string   `json:"hash,omitzero"`
	LocationID     int      `json:"locationID,omitzero"`
	FittedValue    float64  `json:"fittedValue,omitzero"`
	DroppedValue   float64  `json:"droppedValue,omitzero"`
	DestroyedValue float64  `json:"destroyedValue,omitzero"`
	TotalValue     float64  `json:"totalValue,omitzero"`
	Points         int      `json:"points,omitzero"`
	Npc            bool     `json:"npc,omitzero"`
	Solo           bool     `json:"solo,omitzero"`
	Awox           bool     `json:"awox,omitzero"`
	Labels         []string `json:"labels,omitzero"`
	Href           string   `json:"href,omitzero"`
}

// ESIKillmail is the killmail layout published on the feed stream.
type ESIKillmail = esi.GetKillmailsKillmailIdKillmailHashOk

// CombinedKillmail is what feed readers receive. goesi models use easyjson
// marshalers, so the fields are copied instead of embedding ESIKillmail.
type CombinedKillmail struct {
	Attackers     []esi.GetKillmailsKillmailIdKillmailHashAttacker `json:"attackers,omitempty"`
	KillmailId    int32                                            `json:"killmail_id,omitempty"`
	KillmailTime  time.Time                                        `json:"killmail_time,omitzero"`
	MoonId        int32                                            `json:"moon_id,omitempty"`
	SolarSystemId int32                                            `json:"solar_system_id,omitempty"`
	Victim        esi.GetKillmailsKillmailIdKillmailHashVictim     `json:"victim,omitzero"`
	WarId         int32                                            `json:"war_id,omitempty"`

	Zkb KillmailZkb `json:"zkb"`
}

func Combine(killmail ESIKillmail, zkb KillmailZkb) CombinedKillmail {
	return CombinedKillmail{
		Attackers:     killmail.Attackers,
		KillmailId:    killmail.KillmailId,
		KillmailTime:  killmail.KillmailTime,
		MoonId:        killmail.MoonId,
		SolarSystemId: killmail.SolarSystemId,
		Victim:        killmail.Victim,
		WarId:         killmail.WarId,
		Zkb:           zkb,
	}
}
