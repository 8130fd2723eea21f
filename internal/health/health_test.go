package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var night = time.Date(2025, 6, 10, 22, 0, 0, 0, time.UTC)

const sleepBody = `{
  "records": [
    {
      "id": "nap-1",
      "start": "2025-06-10T14:00:00Z",
      "end": "2025-06-10T14:40:00Z",
      "nap": true,
      "score": {"stage_summary": {"total_in_bed_time_milli": 2400000, "total_awake_time_milli": 0}}
    },
    {
      "id": "sleep-1",
      "start": "2025-06-10T23:10:00Z",
      "end": "2025-06-11T06:40:00Z",
      "nap": false,
      "score": {
        "stage_summary": {"total_in_bed_time_milli": 27000000, "total_awake_time_milli": 1800000},
        "sleep_performance_percentage": 88.5,
        "sleep_efficiency_percentage": 93.2
      }
    }
  ]
}`

const recoveryBody = `{
  "records": [
    {"sleep_id": "sleep-1", "score": {"recovery_score": 67.0, "resting_heart_rate": 52.0, "hrv_rmssd_milli": 48.3}}
  ]
}`

func testServer(t *testing.T, sleeps, recoveries string, sleepStatus int) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/activity/sleep":
			if r.URL.Query().Get("start") == "" || r.URL.Query().Get("end") == "" {
				t.Errorf("missing start/end query: %s", r.URL.RawQuery)
			}
			if sleepStatus != http.StatusOK {
				w.WriteHeader(sleepStatus)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(sleeps))
		case "/v1/recovery":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(recoveries))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return &Client{Base: srv.URL, HTTP: srv.Client()}
}

func TestSummaryPicksMainSleep(t *testing.T) {
	c := testServer(t, sleepBody, recoveryBody, http.StatusOK)

	meta, err := c.Summary(context.Background(), night)
	require.NoError(t, err)

	id, _ := meta.Get("sleep_id")
	assert.Equal(t, "sleep-1", id, "naps must not win")

	inBed, _ := meta.Get("in_bed_min")
	assert.Equal(t, "450", inBed)
	awake, _ := meta.Get("awake_min")
	assert.Equal(t, "30", awake)
	perf, _ := meta.Get("sleep_performance")
	assert.Equal(t, "88.5", perf)

	score, ok := meta.Get("recovery_score")
	require.True(t, ok)
	assert.Equal(t, "67.0", score)
	hr, _ := meta.Get("resting_hr")
	assert.Equal(t, "52.0", hr)

	// Ordered output: provider first, identity before scores.
	assert.Equal(t, "provider", meta[0].K)
	assert.Equal(t, "sleep_id", meta[1].K)
}

func TestSummaryNoSleep(t *testing.T) {
	c := testServer(t, `{"records": []}`, recoveryBody, http.StatusOK)
	_, err := c.Summary(context.Background(), night)
	require.ErrorIs(t, err, ErrNoSleep)
}

func TestSummaryOnlyNaps(t *testing.T) {
	c := testServer(t, `{"records": [{"id": "nap-1", "nap": true,
		"start": "2025-06-10T14:00:00Z", "end": "2025-06-10T14:40:00Z"}]}`,
		recoveryBody, http.StatusOK)
	_, err := c.Summary(context.Background(), night)
	require.ErrorIs(t, err, ErrNoSleep)
}

func TestSummarySurvivesMissingRecovery(t *testing.T) {
	c := testServer(t, sleepBody, `{"records": []}`, http.StatusOK)
	meta, err := c.Summary(context.Background(), night)
	require.NoError(t, err)
	_, ok := meta.Get("recovery_score")
	assert.False(t, ok)
	_, ok = meta.Get("sleep_id")
	assert.True(t, ok)
}

func TestSummaryAPIError(t *testing.T) {
	c := testServer(t, "", "", http.StatusUnauthorized)
	_, err := c.Summary(context.Background(), night)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestSleepsQueryWindow(t *testing.T) {
	var gotStart, gotEnd string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotStart = r.URL.Query().Get("start")
		gotEnd = r.URL.Query().Get("end")
		_, _ = w.Write([]byte(`{"records": []}`))
	}))
	defer srv.Close()

	c := &Client{Base: srv.URL, HTTP: srv.Client()}
	_, err := c.Sleeps(context.Background(), night, night.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "2025-06-10T22:00:00Z", gotStart)
	assert.Equal(t, "2025-06-11T22:00:00Z", gotEnd)
}
