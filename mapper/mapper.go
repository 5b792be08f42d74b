// Package mapper converts killmail detail payloads into the normalized entity
// graph. Sub-records are mapped separately because they need the key of a
// parent row that only exists once the parent is saved.
package mapper

import (
	"errors"
	"fmt"
	"killstory"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

var ErrMalformed = errors.New("malformed record")

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// getValidator reports fields by their JSON name. Nested records are checked
// by their own mapping function, never through their parent.
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})

	return validate
}

func check(entity string, rec any) error {
	err := getValidator().Struct(rec)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fmt.Errorf("%w: %s: %w", ErrMalformed, entity, err)
	}

	fieldErr := fieldErrs[0]
	if fieldErr.Tag() == "required" {
		return fmt.Errorf("%w: %s is missing %s", ErrMalformed, entity, fieldErr.Field())
	}

	return fmt.Errorf("%w: %s has invalid %s %v", ErrMalformed, entity, fieldErr.Field(), fieldErr.Value())
}

// Record is a decoded detail payload. Pointer fields are nil when absent.
type Record struct {
	KillmailID    *int32           `json:"killmail_id" validate:"required"`
	KillmailTime  *time.Time       `json:"killmail_time" validate:"required"`
	SolarSystemID *int32           `json:"solar_system_id" validate:"required"`
	MoonID        *int32           `json:"moon_id"`
	WarID         *int32           `json:"war_id"`
	Position      *Position        `json:"position"`
	Victim        *VictimRecord    `json:"victim" validate:"-"`
	Attackers     []AttackerRecord `json:"attackers"`
}

type Position struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

type VictimRecord struct {
	AllianceID    *int32       `json:"alliance_id"`
	CharacterID   *int32       `json:"character_id"`
	CorporationID *int32       `json:"corporation_id"`
	FactionID     *int32       `json:"faction_id"`
	DamageTaken   *int32       `json:"damage_taken" validate:"required"`
	ShipTypeID    *int32       `json:"ship_type_id" validate:"required"`
	Position      *Position    `json:"position"`
	Items         []ItemRecord `json:"items"`
}

// ItemRecord is used for both levels of items. Items below the second level
// are decoded but never mapped.
type ItemRecord struct {
	ItemTypeID        *int32       `json:"item_type_id" validate:"required"`
	Flag              *int32       `json:"flag" validate:"required"`
	QuantityDestroyed *int64       `json:"quantity_destroyed"`
	QuantityDropped   *int64       `json:"quantity_dropped"`
	Singleton         *int32       `json:"singleton" validate:"required,oneof=0 1 2"`
	Items             []ItemRecord `json:"items"`
}

type AttackerRecord struct {
	AllianceID     *int32   `json:"alliance_id"`
	CharacterID    *int32   `json:"character_id"`
	CorporationID  *int32   `json:"corporation_id"`
	FactionID      *int32   `json:"faction_id"`
	DamageDone     *int32   `json:"damage_done" validate:"required"`
	FinalBlow      *bool    `json:"final_blow" validate:"required"`
	SecurityStatus *float64 `json:"security_status" validate:"required"`
	ShipTypeID     *int32   `json:"ship_type_id" validate:"required"`
	WeaponTypeID   *int32   `json:"weapon_type_id"`
}

func Decode(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return &rec, nil
}

func Killmail(rec *Record) (killstory.Killmail, error) {
	if err := check("killmail", rec); err != nil {
		return killstory.Killmail{}, err
	}

	km := killstory.Killmail{
		KillmailID:    *rec.KillmailID,
		KillmailTime:  rec.KillmailTime.UTC(),
		SolarSystemID: *rec.SolarSystemID,
		MoonID:        rec.MoonID,
		WarID:         rec.WarID,
	}

	// ESI reports the position on the victim.
	position := rec.Position
	if position == nil && rec.Victim != nil {
		position = rec.Victim.Position
	}

	if position != nil {
		km.PositionX = position.X
		km.PositionY = position.Y
		km.PositionZ = position.Z
	}

	return km, nil
}

func Victim(rec *VictimRecord, killmailID int32) (killstory.Victim, error) {
	if err := check("victim", rec); err != nil {
		return killstory.Victim{}, err
	}

	return killstory.Victim{
		KillmailID:    killmailID,
		AllianceID:    rec.AllianceID,
		CharacterID:   rec.CharacterID,
		CorporationID: rec.CorporationID,
		FactionID:     rec.FactionID,
		DamageTaken:   *rec.DamageTaken,
		ShipTypeID:    *rec.ShipTypeID,
	}, nil
}

func Attacker(rec *AttackerRecord, killmailID int32) (killstory.Attacker, error) {
	if err := check("attacker", rec); err != nil {
		return killstory.Attacker{}, err
	}

	return killstory.Attacker{
		KillmailID:     killmailID,
		AllianceID:     rec.AllianceID,
		CharacterID:    rec.CharacterID,
		CorporationID:  rec.CorporationID,
		FactionID:      rec.FactionID,
		DamageDone:     *rec.DamageDone,
		FinalBlow:      *rec.FinalBlow,
		SecurityStatus: *rec.SecurityStatus,
		ShipTypeID:     *rec.ShipTypeID,
		WeaponTypeID:   rec.WeaponTypeID,
	}, nil
}

func Item(rec *ItemRecord, victimID int64) (killstory.VictimItem, error) {
	if err := check("item", rec); err != nil {
		return killstory.VictimItem{}, err
	}

	return killstory.VictimItem{
		VictimID:          victimID,
		ItemTypeID:        *rec.ItemTypeID,
		Flag:              *rec.Flag,
		QuantityDestroyed: rec.QuantityDestroyed,
		QuantityDropped:   rec.QuantityDropped,
		Singleton:         *rec.Singleton,
	}, nil
}

func ContainedItem(rec *ItemRecord, parentItemID int64) (killstory.VictimContainedItem, error) {
	if err := check("contained item", rec); err != nil {
		return killstory.VictimContainedItem{}, err
	}

	return killstory.VictimContainedItem{
		ParentItemID:      parentItemID,
		ItemTypeID:        *rec.ItemTypeID,
		Flag:              *rec.Flag,
		QuantityDestroyed: rec.QuantityDestroyed,
		QuantityDropped:   rec.QuantityDropped,
		Singleton:         *rec.Singleton,
	}, nil
}
