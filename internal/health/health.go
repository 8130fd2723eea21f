// Package health pulls sleep and recovery data from the WHOOP developer API.
// Read-only: summaries are attached to the night as ancillary metadata and
// never influence dose timing.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/dosetap/dt/internal/dose"
)

const (
	defaultBase = "https://api.prod.whoop.com/developer"
	tokenURL    = "https://api.prod.whoop.com/oauth/oauth2/token"
	authURL     = "https://api.prod.whoop.com/oauth/oauth2/auth"
)

// Credentials are the offline-access oauth2 credentials.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// Client is a WHOOP API client. Base and HTTP are settable for tests.
type Client struct {
	Base string
	HTTP *http.Client
}

// New builds a client whose transport refreshes the access token as needed.
func New(ctx context.Context, creds Credentials) *Client {
	conf := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  authURL,
			TokenURL: tokenURL,
		},
	}
	ts := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
	return &Client{
		Base: defaultBase,
		HTTP: oauth2.NewClient(ctx, ts),
	}
}

// Sleep is one sleep activity record.
type Sleep struct {
	ID    string    `json:"id"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Nap   bool      `json:"nap"`
	Score struct {
		StageSummary struct {
			TotalInBedMilli int64 `json:"total_in_bed_time_milli"`
			TotalAwakeMilli int64 `json:"total_awake_time_milli"`
		} `json:"stage_summary"`
		SleepPerformancePercentage float64 `json:"sleep_performance_percentage"`
		SleepEfficiencyPercentage  float64 `json:"sleep_efficiency_percentage"`
	} `json:"score"`
}

// Recovery is one recovery record.
type Recovery struct {
	SleepID string `json:"sleep_id"`
	Score   struct {
		RecoveryScore    float64 `json:"recovery_score"`
		RestingHeartRate float64 `json:"resting_heart_rate"`
		HRVRMSSDMilli    float64 `json:"hrv_rmssd_milli"`
	} `json:"score"`
}

type sleepPage struct {
	Records []Sleep `json:"records"`
}

type recoveryPage struct {
	Records []Recovery `json:"records"`
}

func (c *Client) get(ctx context.Context, path string, q url.Values, v any) error {
	u := c.Base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("whoop %s: %s: %s", path, resp.Status, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Sleeps lists sleep activities in [start, end).
func (c *Client) Sleeps(ctx context.Context, start, end time.Time) ([]Sleep, error) {
	q := url.Values{}
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))
	q.Set("limit", "10")
	var page sleepPage
	if err := c.get(ctx, "/v1/activity/sleep", q, &page); err != nil {
		return nil, err
	}
	return page.Records, nil
}

// Recoveries lists recovery records in [start, end).
func (c *Client) Recoveries(ctx context.Context, start, end time.Time) ([]Recovery, error) {
	q := url.Values{}
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))
	q.Set("limit", "10")
	var page recoveryPage
	if err := c.get(ctx, "/v1/recovery", q, &page); err != nil {
		return nil, err
	}
	return page.Records, nil
}

// ErrNoSleep is returned when the provider has no sleep for the asked night.
var ErrNoSleep = fmt.Errorf("no sleep recorded for night")

// Summary fetches the main sleep starting on the given night and returns it
// as ordered metadata for a sleep_summary ancillary event. Naps are ignored.
func (c *Client) Summary(ctx context.Context, nightStart time.Time) (dose.Meta, error) {
	end := nightStart.Add(24 * time.Hour)
	sleeps, err := c.Sleeps(ctx, nightStart, end)
	if err != nil {
		return nil, fmt.Errorf("fetch sleeps: %w", err)
	}

	var main *Sleep
	for i := range sleeps {
		s := &sleeps[i]
		if s.Nap {
			continue
		}
		if main == nil || s.End.Sub(s.Start) > main.End.Sub(main.Start) {
			main = s
		}
	}
	if main == nil {
		return nil, ErrNoSleep
	}

	meta := dose.Meta{
		{K: "provider", V: "whoop"},
		{K: "sleep_id", V: main.ID},
		{K: "sleep_start", V: main.Start.UTC().Format(time.RFC3339)},
		{K: "sleep_end", V: main.End.UTC().Format(time.RFC3339)},
		{K: "in_bed_min", V: strconv.FormatInt(main.Score.StageSummary.TotalInBedMilli/60000, 10)},
		{K: "awake_min", V: strconv.FormatInt(main.Score.StageSummary.TotalAwakeMilli/60000, 10)},
		{K: "sleep_performance", V: strconv.FormatFloat(main.Score.SleepPerformancePercentage, 'f', 1, 64)},
		{K: "sleep_efficiency", V: strconv.FormatFloat(main.Score.SleepEfficiencyPercentage, 'f', 1, 64)},
	}

	recs, err := c.Recoveries(ctx, nightStart, end)
	if err != nil {
		// A summary without recovery data is still worth recording.
		return meta, nil
	}
	for _, r := range recs {
		if r.SleepID == main.ID {
			meta.Set("recovery_score", strconv.FormatFloat(r.Score.RecoveryScore, 'f', 1, 64))
			meta.Set("resting_hr", strconv.FormatFloat(r.Score.RestingHeartRate, 'f', 1, 64))
			break
		}
	}
	return meta, nil
}
