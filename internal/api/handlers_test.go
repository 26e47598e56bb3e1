package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eksporyuk/broadcast-engine/internal/credit"
	"github.com/eksporyuk/broadcast-engine/internal/domain"
	"github.com/eksporyuk/broadcast-engine/internal/render"
	"github.com/eksporyuk/broadcast-engine/internal/repository/memory"
	"github.com/eksporyuk/broadcast-engine/internal/segment"
	"github.com/eksporyuk/broadcast-engine/internal/service/broadcast"
	"github.com/eksporyuk/broadcast-engine/internal/service/sending"
	"github.com/eksporyuk/broadcast-engine/internal/tracker"
)

type testEnv struct {
	server *httptest.Server
	ledger *credit.MemoryLedger
	sends  *atomic.Int64
}

func newTestEnv(t *testing.T, leadCount int, balance int64) *testEnv {
	t.Helper()

	leads := memory.NewLeadRepo()
	for i := 0; i < leadCount; i++ {
		leads.Seed(domain.Recipient{
			ID:        fmt.Sprintf("lead-%03d", i),
			Name:      fmt.Sprintf("Lead %d", i),
			Email:     fmt.Sprintf("lead%d@example.com", i),
			Status:    domain.LeadNew,
			CreatedAt: time.Now().Add(-time.Hour),
		})
	}

	ledger := credit.NewMemoryLedger()
	if balance > 0 {
		if _, err := ledger.Deposit(context.Background(), defaultAccountID, balance); err != nil {
			t.Fatalf("seed ledger: %v", err)
		}
	}

	var sends atomic.Int64
	sender := sending.SenderFunc(func(context.Context, *domain.Recipient, string, string) error {
		sends.Add(1)
		return nil
	})

	repo := memory.NewBroadcastRepo()
	svc := broadcast.NewService(repo, ledger, segment.NewResolver(leads), sender, render.New())

	trk := tracker.NewHandler(&tracker.DirectSink{
		Tracker: tracker.New(repo, leads),
	})

	srv := httptest.NewServer(SetupRoutes(NewHandlers(svc, trk)))
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, ledger: ledger, sends: &sends}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (e *testEnv) createDraft(t *testing.T) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/broadcast", map[string]any{
		"name":    "August promo",
		"subject": "Hello {name}",
		"body":    "Big news, {name}!",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestCreateBroadcastValidation(t *testing.T) {
	env := newTestEnv(t, 0, 0)

	resp, body := env.do(t, http.MethodPost, "/api/broadcast", map[string]any{
		"subject": "no name",
		"body":    "x",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "name")
}

func TestCreateAndGetBroadcast(t *testing.T) {
	env := newTestEnv(t, 0, 0)
	id := env.createDraft(t)

	resp, body := env.do(t, http.MethodGet, "/api/broadcast/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "August promo", body["name"])
	assert.Equal(t, "DRAFT", body["status"])
}

func TestGetBroadcastNotFound(t *testing.T) {
	env := newTestEnv(t, 0, 0)

	resp, body := env.do(t, http.MethodGet, "/api/broadcast/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "broadcast not found", body["error"])
}

func TestListBroadcastsPaginated(t *testing.T) {
	env := newTestEnv(t, 0, 0)
	for i := 0; i < 3; i++ {
		env.createDraft(t)
	}

	resp, body := env.do(t, http.MethodGet, "/api/broadcast?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := body["data"].([]any)
	assert.Len(t, data, 2)
	pag := body["pagination"].(map[string]any)
	assert.Equal(t, float64(3), pag["total"])
	assert.Equal(t, true, pag["has_more"])
}

func TestSendBroadcast(t *testing.T) {
	env := newTestEnv(t, 4, 10)
	id := env.createDraft(t)

	resp, body := env.do(t, http.MethodPost, "/api/broadcast/"+id+"/send", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(4), body["recipients"])
	assert.Equal(t, float64(4), body["creditUsed"])
	assert.Equal(t, float64(6), body["creditBalance"])
	assert.Equal(t, int64(4), env.sends.Load())

	_, got := env.do(t, http.MethodGet, "/api/broadcast/"+id, nil)
	assert.Equal(t, "SENT", got["status"])
	assert.Equal(t, float64(4), got["sentCount"])
}

func TestSendBroadcastInsufficientCredits(t *testing.T) {
	env := newTestEnv(t, 5, 2)
	id := env.createDraft(t)

	resp, body := env.do(t, http.MethodPost, "/api/broadcast/"+id+"/send", nil)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "INSUFFICIENT_CREDITS", body["code"])

	details := body["details"].(map[string]any)
	assert.Equal(t, float64(5), details["required"])
	assert.Equal(t, float64(2), details["available"])
	assert.Equal(t, int64(0), env.sends.Load())
}

func TestScheduleAndCancelSchedule(t *testing.T) {
	env := newTestEnv(t, 0, 0)
	id := env.createDraft(t)

	at := time.Now().Add(2 * time.Hour).UTC()
	resp, body := env.do(t, http.MethodPost, "/api/broadcast/"+id+"/schedule", map[string]any{
		"scheduledAt": at.Format(time.RFC3339),
		"recurring":   map[string]any{"frequency": "DAILY", "interval": 1, "timeOfDay": "09:00"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "SCHEDULED", body["status"])

	resp, body = env.do(t, http.MethodDelete, "/api/broadcast/"+id+"/schedule", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "DRAFT", body["status"])
	assert.Nil(t, body["scheduledAt"])
}

func TestScheduleRejectsBadRecurrence(t *testing.T) {
	env := newTestEnv(t, 0, 0)
	id := env.createDraft(t)

	resp, _ := env.do(t, http.MethodPost, "/api/broadcast/"+id+"/schedule", map[string]any{
		"scheduledAt": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		"recurring":   map[string]any{"frequency": "HOURLY", "interval": 1, "timeOfDay": "09:00"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelBroadcast(t *testing.T) {
	env := newTestEnv(t, 0, 0)
	id := env.createDraft(t)

	resp, body := env.do(t, http.MethodPost, "/api/broadcast/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CANCELLED", body["status"])

	// Terminal campaigns cannot be cancelled again.
	resp, _ = env.do(t, http.MethodPost, "/api/broadcast/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestUpdateAfterSendConflicts(t *testing.T) {
	env := newTestEnv(t, 1, 5)
	id := env.createDraft(t)

	resp, _ := env.do(t, http.MethodPost, "/api/broadcast/"+id+"/send", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.do(t, http.MethodPut, "/api/broadcast/"+id, map[string]any{"name": "renamed"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "edited")
}

func TestCreditsTopUpAndBalance(t *testing.T) {
	env := newTestEnv(t, 0, 0)

	resp, body := env.do(t, http.MethodGet, "/api/credits", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["balance"])

	resp, body = env.do(t, http.MethodPost, "/api/credits/topup", map[string]any{"amount": 250})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(250), body["balance"])

	resp, _ = env.do(t, http.MethodPost, "/api/credits/topup", map[string]any{"amount": -5})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTrackingOpenBumpsCounter(t *testing.T) {
	env := newTestEnv(t, 1, 5)
	id := env.createDraft(t)

	resp, _ := env.do(t, http.MethodPost, "/api/broadcast/"+id+"/send", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	payload := tracker.EncodePayload(id, "lead-000", time.Now().UTC().Unix(), "")
	resp, _ = env.do(t, http.MethodGet, "/track/open/"+payload, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, got := env.do(t, http.MethodGet, "/api/broadcast/"+id, nil)
	assert.Equal(t, float64(1), got["openedCount"])
}

func TestDeliveryEventWebhook(t *testing.T) {
	env := newTestEnv(t, 1, 5)
	id := env.createDraft(t)

	resp, _ := env.do(t, http.MethodPost, "/api/broadcast/"+id+"/send", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// A bounce receipt arriving from the gateway after the fire.
	resp, _ = env.do(t, http.MethodPost, "/api/broadcast/events", map[string]any{
		"kind":         "failed",
		"campaign_id":  id,
		"recipient_id": "lead-000",
		"occurrence":   time.Now().UTC().Unix(),
		"reason":       "hard bounce",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	_, got := env.do(t, http.MethodGet, "/api/broadcast/"+id, nil)
	assert.Equal(t, float64(1), got["failedCount"])

	resp, _ = env.do(t, http.MethodPost, "/api/broadcast/events", map[string]any{
		"kind": "bounced", "campaign_id": id, "recipient_id": "lead-000",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// Rendered bodies carry click and unsubscribe links that resolve against
// the mounted tracking routes.
func TestTrackingLinksFromRenderedSend(t *testing.T) {
	leads := memory.NewLeadRepo()
	leads.Seed(domain.Recipient{
		ID:        "lead-000",
		Name:      "Budi",
		Email:     "budi@example.com",
		Status:    domain.LeadNew,
		CreatedAt: time.Now().Add(-time.Hour),
	})

	ledger := credit.NewMemoryLedger()
	_, err := ledger.Deposit(context.Background(), defaultAccountID, 10)
	require.NoError(t, err)

	var lastBody atomic.Value
	sender := sending.SenderFunc(func(_ context.Context, _ *domain.Recipient, _, body string) error {
		lastBody.Store(body)
		return nil
	})

	const publicBase = "http://go.example.test"
	repo := memory.NewBroadcastRepo()
	renderer := render.New(render.WithTrackingBase(publicBase + "/track"))
	svc := broadcast.NewService(repo, ledger, segment.NewResolver(leads), sender, renderer)
	trk := tracker.NewHandler(&tracker.DirectSink{Tracker: tracker.New(repo, leads)})

	srv := httptest.NewServer(SetupRoutes(NewHandlers(svc, trk)))
	t.Cleanup(srv.Close)
	env := &testEnv{server: srv, ledger: ledger, sends: new(atomic.Int64)}

	resp, created := env.do(t, http.MethodPost, "/api/broadcast", map[string]any{
		"name":    "Tracked promo",
		"subject": "Hi {name}",
		"body":    `Visit <a href="https://shop.example.com/sale">the sale</a>. Stop: {unsubscribe_link}`,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["id"].(string)

	resp, _ = env.do(t, http.MethodPost, "/api/broadcast/"+id+"/send", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := lastBody.Load().(string)
	require.NotEmpty(t, body)

	clickPath := extractTrackingPath(t, body, publicBase, "/track/click/")
	noRedirect := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	clickResp, err := noRedirect.Get(srv.URL + clickPath)
	require.NoError(t, err)
	clickResp.Body.Close()
	assert.Equal(t, http.StatusTemporaryRedirect, clickResp.StatusCode)
	assert.Equal(t, "https://shop.example.com/sale", clickResp.Header.Get("Location"))

	unsubPath := extractTrackingPath(t, body, publicBase, "/track/unsubscribe/")
	resp, _ = env.do(t, http.MethodGet, unsubPath, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, got := env.do(t, http.MethodGet, "/api/broadcast/"+id, nil)
	assert.Equal(t, float64(1), got["clickedCount"])

	// The unsubscribed lead drops out of the next campaign's audience.
	resp, second := env.do(t, http.MethodPost, "/api/broadcast", map[string]any{
		"name": "Follow up", "subject": "s", "body": "b",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_, report := env.do(t, http.MethodPost, "/api/broadcast/"+second["id"].(string)+"/send", nil)
	assert.Equal(t, float64(0), report["recipients"])
}

// extractTrackingPath pulls the first URL under base+prefix out of a
// rendered body and returns its path portion.
func extractTrackingPath(t *testing.T, body, base, prefix string) string {
	t.Helper()
	start := strings.Index(body, base+prefix)
	require.GreaterOrEqual(t, start, 0, "body missing %s link", prefix)
	rest := body[start+len(base):]
	if end := strings.IndexAny(rest, `"<> `); end >= 0 {
		rest = rest[:end]
	}
	return rest
}
