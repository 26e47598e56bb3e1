package tracker

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eksporyuk/broadcast-engine/internal/domain"
	"github.com/eksporyuk/broadcast-engine/internal/repository/memory"
)

func seedCampaign(t *testing.T, repo *memory.BroadcastRepo) *domain.Campaign {
	t.Helper()
	c := &domain.Campaign{
		ID:        "camp-1",
		AccountID: "acct-1",
		Name:      "Promo",
		Subject:   "s",
		Body:      "b",
		Status:    domain.CampaignSent,
	}
	_, err := repo.Create(context.Background(), c)
	require.NoError(t, err)
	return c
}

func TestProcessOpenIdempotent(t *testing.T) {
	repo := memory.NewBroadcastRepo()
	leads := memory.NewLeadRepo()
	c := seedCampaign(t, repo)
	tr := New(repo, leads)
	ctx := context.Background()

	evt := EngagementEvent{
		Kind:        EngagementOpen,
		CampaignID:  c.ID,
		RecipientID: "lead-1",
		Occurrence:  time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC).Unix(),
		Timestamp:   time.Now().UTC(),
	}

	require.NoError(t, tr.Process(ctx, evt))
	require.NoError(t, tr.Process(ctx, evt)) // replayed webhook

	got, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.OpenedCount)

	// A different recipient at the same occurrence still counts.
	evt.RecipientID = "lead-2"
	require.NoError(t, tr.Process(ctx, evt))
	got, err = repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.OpenedCount)
}

func TestProcessClickPerOccurrence(t *testing.T) {
	repo := memory.NewBroadcastRepo()
	c := seedCampaign(t, repo)
	tr := New(repo, memory.NewLeadRepo())
	ctx := context.Background()

	first := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC).Unix()
	second := time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC).Unix()

	for _, occ := range []int64{first, first, second} {
		require.NoError(t, tr.Process(ctx, EngagementEvent{
			Kind:        EngagementClick,
			CampaignID:  c.ID,
			RecipientID: "lead-1",
			Occurrence:  occ,
		}))
	}

	// One click per occurrence: the duplicate within the first fire drops.
	got, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ClickedCount)
}

func TestProcessUnsubscribe(t *testing.T) {
	repo := memory.NewBroadcastRepo()
	leads := memory.NewLeadRepo()
	leads.Seed(domain.Recipient{ID: "lead-1", Email: "a@example.com", Status: domain.LeadQualified})
	c := seedCampaign(t, repo)
	tr := New(repo, leads)
	ctx := context.Background()

	require.NoError(t, tr.Process(ctx, EngagementEvent{
		Kind:        EngagementUnsubscribe,
		CampaignID:  c.ID,
		RecipientID: "lead-1",
	}))

	// The lead no longer resolves for future sends.
	out, err := leads.Query(ctx, nil, time.Now())
	require.NoError(t, err)
	assert.Empty(t, out)

	// Unsubscribes do not touch campaign counters.
	got, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.OpenedCount)
	assert.Equal(t, 0, got.ClickedCount)
}

func TestProcessGatewayReceipts(t *testing.T) {
	repo := memory.NewBroadcastRepo()
	c := seedCampaign(t, repo)
	tr := New(repo, memory.NewLeadRepo())
	ctx := context.Background()

	occ := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC).Unix()

	require.NoError(t, tr.Process(ctx, EngagementEvent{
		Kind:        EngagementSent,
		CampaignID:  c.ID,
		RecipientID: "lead-1",
		Occurrence:  occ,
	}))
	// A bounce for another recipient of the same fire.
	require.NoError(t, tr.Process(ctx, EngagementEvent{
		Kind:        EngagementFailed,
		CampaignID:  c.ID,
		RecipientID: "lead-2",
		Occurrence:  occ,
		Reason:      "mailbox full",
	}))

	got, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SentCount)
	assert.Equal(t, 1, got.FailedCount)

	// A gateway receipt that duplicates the engine's own record drops.
	require.NoError(t, tr.Process(ctx, EngagementEvent{
		Kind:        EngagementSent,
		CampaignID:  c.ID,
		RecipientID: "lead-1",
		Occurrence:  occ,
	}))
	got, err = repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SentCount)
}

func TestHandlerEventWebhook(t *testing.T) {
	repo := memory.NewBroadcastRepo()
	c := seedCampaign(t, repo)
	tr := New(repo, memory.NewLeadRepo())
	h := NewHandler(&DirectSink{Tracker: tr})

	srv := httptest.NewServer(http.HandlerFunc(h.HandleEvent))
	defer srv.Close()

	post := func(body string) *http.Response {
		resp, err := http.Post(srv.URL, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	occ := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC).Unix()
	resp := post(fmt.Sprintf(
		`{"kind":"failed","campaign_id":%q,"recipient_id":"lead-1","occurrence":%d,"reason":"hard bounce"}`,
		c.ID, occ))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	got, err := repo.GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailedCount)

	assert.Equal(t, http.StatusBadRequest, post(`{"kind":"bounced","campaign_id":"c","recipient_id":"r"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(`{"kind":"sent"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(`not json`).StatusCode)
}

func TestProcessRejectsBadEvents(t *testing.T) {
	tr := New(memory.NewBroadcastRepo(), memory.NewLeadRepo())
	ctx := context.Background()

	assert.Error(t, tr.Process(ctx, EngagementEvent{Kind: EngagementOpen}))
	assert.Error(t, tr.Process(ctx, EngagementEvent{
		Kind: "bounced", CampaignID: "c", RecipientID: "r",
	}))
}

func TestHandlerOpenServesPixel(t *testing.T) {
	repo := memory.NewBroadcastRepo()
	c := seedCampaign(t, repo)
	tr := New(repo, memory.NewLeadRepo())
	h := NewHandler(&DirectSink{Tracker: tr})

	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	occ := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC).Unix()
	data := EncodePayload(c.ID, "lead-1", occ, "")

	resp, err := http.Get(srv.URL + "/open/" + data)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/gif", resp.Header.Get("Content-Type"))

	got, err := repo.GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.OpenedCount)

	// Garbage payloads still get the pixel and count nothing.
	resp, err = http.Get(srv.URL + "/open/" + base64.URLEncoding.EncodeToString([]byte("junk")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandlerClickRedirects(t *testing.T) {
	repo := memory.NewBroadcastRepo()
	c := seedCampaign(t, repo)
	tr := New(repo, memory.NewLeadRepo())
	h := NewHandler(&DirectSink{Tracker: tr})

	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	occ := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC).Unix()
	data := EncodePayload(c.ID, "lead-1", occ, "https://example.com/offer")

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(srv.URL + "/click/" + data)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Equal(t, "https://example.com/offer", resp.Header.Get("Location"))

	got, err := repo.GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ClickedCount)
}
