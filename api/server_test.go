package api

import (
	"context"
	"errors"
	"io"
	"killstory"
	"killstory/store"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

var testSecret = []byte("test-secret")

func ptr[T any](v T) *T { return &v }

type fakeQueue struct {
	names []string
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, name string) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.names = append(q.names, name)
	return "1-0", nil
}

type fixture struct {
	server   *httptest.Server
	store    *store.Store
	victimID int64
	itemID   int64
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	ctx := context.Background()
	st, err := store.Open(ctx, killstory.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.Migrate(ctx, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}

	f := &fixture{store: st}

	err = st.InTx(ctx, func(tx *store.Tx) error {
		km := killstory.Killmail{KillmailID: 555, KillmailTime: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), SolarSystemID: 30000142}
		if err := tx.InsertKillmail(ctx, km); err != nil {
			return err
		}

		if f.victimID, err = tx.InsertVictim(ctx, killstory.Victim{KillmailID: 555, CharacterID: ptr(int32(100)), DamageTaken: 10, ShipTypeID: 587}); err != nil {
			return err
		}

		if f.itemID, err = tx.InsertVictimItem(ctx, killstory.VictimItem{VictimID: f.victimID, ItemTypeID: 17366, Flag: 5, Singleton: 0}); err != nil {
			return err
		}

		if _, err := tx.InsertContainedItem(ctx, killstory.VictimContainedItem{ParentItemID: f.itemID, ItemTypeID: 34, Flag: 5}); err != nil {
			return err
		}

		_, err = tx.InsertAttacker(ctx, killstory.Attacker{KillmailID: 555, DamageDone: 10, FinalBlow: true, ShipTypeID: 11198})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	srv := New(zerolog.Nop(), st, testSecret, opts...)
	f.server = httptest.NewServer(srv.Routes())
	t.Cleanup(f.server.Close)

	return f
}

func token(t *testing.T, perms ...string) string {
	t.Helper()

	tok, err := NewToken(testSecret, "tester", perms, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (f *fixture) do(t *testing.T, method, path, tok string) (int, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, f.server.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}

	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}

	return res.StatusCode, body
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t)

	expired, err := NewToken(testSecret, "tester", []string{PermBasicAccess}, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	forged, err := NewToken([]byte("other-secret"), "tester", []string{PermBasicAccess}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		tok  string
		want int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized},
		{"expired", expired, http.StatusUnauthorized},
		{"wrong secret", forged, http.StatusUnauthorized},
		{"missing permission", token(t, PermPopulate), http.StatusForbidden},
		{"basic access", token(t, PermBasicAccess), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := f.do(t, http.MethodGet, "/killmails", tt.tok)
			if status != tt.want {
				t.Errorf("status = %d, want %d (%s)", status, tt.want, body)
			}
		})
	}
}

func TestListKillmails(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/killmails?limit=10", token(t, PermBasicAccess))
	if status != http.StatusOK {
		t.Fatalf("status = %d: %s", status, body)
	}

	var page struct {
		Killmails []killstory.Killmail `json:"killmails"`
		Total     int                  `json:"total"`
		Limit     int                  `json:"limit"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatal(err)
	}

	if page.Total != 1 || page.Limit != 10 || len(page.Killmails) != 1 || page.Killmails[0].KillmailID != 555 {
		t.Errorf("unexpected page %+v", page)
	}

	if status, _ := f.do(t, http.MethodGet, "/killmails?limit=abc", token(t, PermBasicAccess)); status != http.StatusBadRequest {
		t.Errorf("invalid limit status = %d", status)
	}
}

func TestGetKillmail(t *testing.T) {
	f := newFixture(t)
	tok := token(t, PermBasicAccess)

	status, body := f.do(t, http.MethodGet, "/killmails/555", tok)
	if status != http.StatusOK {
		t.Fatalf("status = %d: %s", status, body)
	}

	var detail killstory.KillmailDetail
	if err := json.Unmarshal(body, &detail); err != nil {
		t.Fatal(err)
	}

	if detail.KillmailID != 555 || detail.Victim == nil || len(detail.Victim.Items) != 1 || len(detail.Victim.Items[0].ContainedItems) != 1 || len(detail.Attackers) != 1 {
		t.Errorf("unexpected detail %s", body)
	}

	if status, _ := f.do(t, http.MethodGet, "/killmails/556", tok); status != http.StatusNotFound {
		t.Errorf("unknown killmail status = %d", status)
	}

	if status, _ := f.do(t, http.MethodGet, "/killmails/abc", tok); status != http.StatusBadRequest {
		t.Errorf("invalid id status = %d", status)
	}
}

func TestDeleteKillmail(t *testing.T) {
	f := newFixture(t)

	if status, _ := f.do(t, http.MethodDelete, "/killmails/555", token(t, PermBasicAccess)); status != http.StatusForbidden {
		t.Errorf("delete without populate permission: status %d", status)
	}

	admin := token(t, PermBasicAccess, PermPopulate)
	if status, body := f.do(t, http.MethodDelete, "/killmails/555", admin); status != http.StatusNoContent {
		t.Fatalf("delete: status %d: %s", status, body)
	}

	if status, _ := f.do(t, http.MethodGet, "/killmails/555", admin); status != http.StatusNotFound {
		t.Errorf("deleted killmail still served: status %d", status)
	}

	if status, _ := f.do(t, http.MethodGet, "/victims/"+strconv.FormatInt(f.victimID, 10), admin); status != http.StatusNotFound {
		t.Errorf("victim of deleted killmail still served: status %d", status)
	}

	if status, _ := f.do(t, http.MethodDelete, "/killmails/555", admin); status != http.StatusNotFound {
		t.Errorf("second delete: status %d", status)
	}
}

func TestEntityDetails(t *testing.T) {
	f := newFixture(t)
	tok := token(t, PermBasicAccess)

	status, body := f.do(t, http.MethodGet, "/victims/"+strconv.FormatInt(f.victimID, 10), tok)
	if status != http.StatusOK || !strings.Contains(string(body), `"ship_type_id":587`) {
		t.Errorf("victim: %d %s", status, body)
	}

	status, body = f.do(t, http.MethodGet, "/items/"+strconv.FormatInt(f.itemID, 10), tok)
	if status != http.StatusOK || !strings.Contains(string(body), `"item_type_id":17366`) {
		t.Errorf("item: %d %s", status, body)
	}

	for _, path := range []string{"/victims/999", "/attackers/999", "/items/999", "/contained-items/999"} {
		if status, _ := f.do(t, http.MethodGet, path, tok); status != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, status)
		}
	}
}

func TestCharacters(t *testing.T) {
	f := newFixture(t)
	admin := token(t, PermBasicAccess, PermPopulate)

	if status, _ := f.do(t, http.MethodPut, "/characters/100", token(t, PermBasicAccess)); status != http.StatusForbidden {
		t.Errorf("put without populate permission status = %d", status)
	}

	if status, body := f.do(t, http.MethodPut, "/characters/100", admin); status != http.StatusNoContent {
		t.Fatalf("put status = %d: %s", status, body)
	}

	status, body := f.do(t, http.MethodGet, "/characters", admin)
	if status != http.StatusOK || !strings.Contains(string(body), `[100]`) {
		t.Errorf("list: %d %s", status, body)
	}

	if status, _ := f.do(t, http.MethodDelete, "/characters/100", admin); status != http.StatusNoContent {
		t.Errorf("delete status = %d", status)
	}

	if status, _ := f.do(t, http.MethodDelete, "/characters/100", admin); status != http.StatusNotFound {
		t.Errorf("second delete status = %d", status)
	}
}

func TestPopulate(t *testing.T) {
	tok := token(t, PermPopulate)

	f := newFixture(t)
	if status, _ := f.do(t, http.MethodPost, "/populate", tok); status != http.StatusServiceUnavailable {
		t.Errorf("without queue status = %d", status)
	}

	queue := &fakeQueue{}
	f = newFixture(t, WithQueue(queue))

	status, body := f.do(t, http.MethodPost, "/populate", tok)
	if status != http.StatusAccepted || !strings.Contains(string(body), `"task_id":"1-0"`) {
		t.Errorf("populate: %d %s", status, body)
	}

	if len(queue.names) != 1 || queue.names[0] != "killstory.populate_killmails" {
		t.Errorf("enqueued %v", queue.names)
	}

	queue.err = errors.New("redis down")
	if status, body := f.do(t, http.MethodPost, "/populate", tok); status != http.StatusInternalServerError || strings.Contains(string(body), "redis down") {
		t.Errorf("failed enqueue: %d %s", status, body)
	}
}

func TestWebsocketWithoutFeed(t *testing.T) {
	f := newFixture(t)

	if status, _ := f.do(t, http.MethodGet, "/websocket", token(t, PermBasicAccess)); status != http.StatusServiceUnavailable {
		t.Errorf("status = %d", status)
	}
}

func TestWebsocketAcceptsQueryToken(t *testing.T) {
	f := newFixture(t)

	// The feed is not configured, so an authorized request ends in 503.
	if status, _ := f.do(t, http.MethodGet, "/websocket?token="+token(t, PermBasicAccess), ""); status != http.StatusServiceUnavailable {
		t.Errorf("query token: status %d", status)
	}

	if status, _ := f.do(t, http.MethodGet, "/websocket?token=garbage", ""); status != http.StatusUnauthorized {
		t.Errorf("invalid query token: status %d", status)
	}

	if status, _ := f.do(t, http.MethodGet, "/killmails?token="+token(t, PermBasicAccess), ""); status != http.StatusUnauthorized {
		t.Errorf("query token outside the websocket: status %d", status)
	}
}

func TestPublicEndpoints(t *testing.T) {
	f := newFixture(t)

	if status, _ := f.do(t, http.MethodGet, "/_healthz", ""); status != http.StatusOK {
		t.Errorf("healthz status = %d", status)
	}

	status, body := f.do(t, http.MethodGet, "/version", "")
	if status != http.StatusOK || string(body) != killstory.Version {
		t.Errorf("version: %d %s", status, body)
	}

	status, body = f.do(t, http.MethodGet, "/metrics", "")
	if status != http.StatusOK || !strings.Contains(string(body), "go_goroutines") {
		t.Errorf("metrics status = %d", status)
	}
}
