// Package source fetches killmail references for an owned character and the
// killmail details behind them.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"killstory"
	"killstory/fetch"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

type Fetcher interface {
	Get(ctx context.Context, url string) (*fetch.Response, error)
}

// Ref identifies a killmail on the detail endpoint.
type Ref struct {
	ID   int32
	Hash string
}

type Client struct {
	logger         zerolog.Logger
	fetcher        Fetcher
	listEndpoint   string
	detailEndpoint string
}

func New(logger zerolog.Logger, fetcher Fetcher, listEndpoint, detailEndpoint string) *Client {
	return &Client{
		logger:         logger,
		fetcher:        fetcher,
		listEndpoint:   listEndpoint,
		detailEndpoint: detailEndpoint,
	}
}

func ListURL(template string, characterID int32) string {
	return strings.ReplaceAll(template, "{character_id}", strconv.FormatInt(int64(characterID), 10))
}

func DetailURL(template string, killmailID int32, hash string) string {
	return strings.NewReplacer(
		"{killmail_id}", strconv.FormatInt(int64(killmailID), 10),
		"{killmail_hash}", hash,
	).Replace(template)
}

// Killmails returns the killmail references of a character ordered by ID. An
// unknown character or a request that produced no data yields no references.
func (c *Client) Killmails(ctx context.Context, characterID int32) ([]Ref, error) {
	res, err := c.fetcher.Get(ctx, ListURL(c.listEndpoint, characterID))
	if isNotFound(err) {
		c.logger.Warn().Int32("character-id", characterID).Msg("character not found, skipping")
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	if res == nil {
		return nil, nil
	}

	refs, err := decodeList(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode killmail list: %w", err)
	}

	return refs, nil
}

// Killmail returns the raw detail payload of a killmail, or nil when the
// request produced no data.
func (c *Client) Killmail(ctx context.Context, killmailID int32, hash string) ([]byte, error) {
	res, err := c.fetcher.Get(ctx, DetailURL(c.detailEndpoint, killmailID, hash))
	if isNotFound(err) {
		c.logger.Warn().Int32("killmail-id", killmailID).Msg("killmail not found, skipping")
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	if res == nil {
		return nil, nil
	}

	return res.Body, nil
}

func isNotFound(err error) bool {
	var reqErr *fetch.RequestError
	return errors.As(err, &reqErr) && reqErr.StatusCode == http.StatusNotFound
}

type zkbRef struct {
	KillmailID int32                 `json:"killmail_id"`
	Zkb        killstory.KillmailZkb `json:"zkb"`
}

// decodeList accepts either a mapping of killmail ID to hash or the
// zKillboard array format.
func decodeList(body []byte) ([]Ref, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}

	var refs []Ref

	if body[0] == '[' {
		var entries []zkbRef
		if err := json.Unmarshal(body, &entries); err != nil {
			return nil, err
		}

		for _, entry := range entries {
			if entry.KillmailID == 0 || entry.Zkb.Hash == "" {
				continue
			}
			refs = append(refs, Ref{ID: entry.KillmailID, Hash: entry.Zkb.Hash})
		}
	} else {
		var mapping map[string]string
		if err := json.Unmarshal(body, &mapping); err != nil {
			return nil, err
		}

		for key, hash := range mapping {
			id, err := strconv.ParseInt(key, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid killmail ID %q: %w", key, err)
			}
			refs = append(refs, Ref{ID: int32(id), Hash: hash})
		}
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })

	return refs, nil
}
