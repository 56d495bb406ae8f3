package backfill

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rodoHasArrived/marketpulse/errs"
	"github.com/rodoHasArrived/marketpulse/internal/schema"
)

func polygonTestProvider(t *testing.T, handler http.HandlerFunc) *PolygonProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	provider, err := NewPolygonProvider("test-key",
		WithPolygonBaseURL(server.URL),
		WithPolygonHTTPClient(server.Client()))
	require.NoError(t, err)
	return provider
}

func TestNewPolygonProviderRequiresKey(t *testing.T) {
	_, err := NewPolygonProvider("   ")
	require.True(t, errs.HasCode(err, errs.CodeConfiguration))
}

func TestPolygonGetDailyBars(t *testing.T) {
	var gotAuth, gotPath, gotQuery string
	provider := polygonTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, `{"ticker":"AAPL","status":"OK","results":[
			{"o":245.5,"h":248.2,"l":244.1,"c":247.8,"vw":246.9,"v":51234567,"t":1770001200000,"n":412345},
			{"o":247.9,"h":250.0,"l":247.0,"c":249.5,"v":48000000,"t":1770087600000,"n":398000}
		]}`)
	})

	from := schema.SessionDate{Year: 2026, Month: time.February, Day: 2}
	bars, err := provider.GetDailyBars(context.Background(), "aapl", from, from.AddDays(1))
	require.NoError(t, err)
	require.Len(t, bars, 2)

	require.Equal(t, "Bearer test-key", gotAuth)
	require.Equal(t, "/v2/aggs/ticker/AAPL/range/1/day/2026-02-02/2026-02-03", gotPath)
	require.Contains(t, gotQuery, "adjusted=true")
	require.Contains(t, gotQuery, "limit=50000")

	bar := bars[0]
	require.Equal(t, "AAPL", bar.Symbol)
	require.True(t, bar.Open.Equal(decimal.RequireFromString("245.5")))
	require.True(t, bar.VWAP.Equal(decimal.RequireFromString("246.9")))
	require.Equal(t, int64(51234567), bar.Volume)
	require.Equal(t, int64(412345), bar.TradeCount)
	require.Equal(t, schema.TimeframeDay, bar.Timeframe)
	require.Equal(t, "polygon", bar.Source)
	require.Equal(t, time.UnixMilli(1770001200000).UTC(), bar.StartTime)
	require.Equal(t, bar.StartTime.Add(24*time.Hour), bar.EndTime)

	// Second bar has no vwap field.
	require.True(t, bars[1].VWAP.IsZero())
}

func TestPolygonFollowsPagination(t *testing.T) {
	var server *httptest.Server
	calls := 0
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("cursor") == "" {
			fmt.Fprintf(w, `{"status":"OK","results":[{"o":100,"h":101,"l":99,"c":100.5,"v":1000,"t":1770001200000,"n":10}],"next_url":%q}`,
				server.URL+"/v2/aggs/ticker/AAPL/range/1/day/2026-02-02/2026-02-03?cursor=abc")
			return
		}
		fmt.Fprint(w, `{"status":"OK","results":[{"o":100.5,"h":102,"l":100,"c":101.5,"v":2000,"t":1770087600000,"n":20}]}`)
	}))
	t.Cleanup(server.Close)
	provider, err := NewPolygonProvider("test-key",
		WithPolygonBaseURL(server.URL),
		WithPolygonHTTPClient(server.Client()))
	require.NoError(t, err)

	from := schema.SessionDate{Year: 2026, Month: time.February, Day: 2}
	bars, err := provider.GetDailyBars(context.Background(), "AAPL", from, from.AddDays(1))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	require.Equal(t, 2, calls)
	require.True(t, bars[1].Close.Equal(decimal.RequireFromString("101.5")))
}

func TestPolygonRateLimitCarriesRetryAfter(t *testing.T) {
	provider := polygonTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	from := schema.SessionDate{Year: 2026, Month: time.February, Day: 2}
	_, err := provider.GetDailyBars(context.Background(), "AAPL", from, from)
	require.Error(t, err)

	retryAfter, ok := errs.AsRateLimit(err)
	require.True(t, ok)
	require.Equal(t, 17*time.Second, retryAfter)
}

func TestPolygonAuthRejection(t *testing.T) {
	provider := polygonTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	from := schema.SessionDate{Year: 2026, Month: time.February, Day: 2}
	_, err := provider.GetDailyBars(context.Background(), "AAPL", from, from)
	require.True(t, errs.HasCode(err, errs.CodeAuth))
}

func TestPolygonUnexpectedStatusIncludesBody(t *testing.T) {
	provider := polygonTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream unavailable")
	})

	from := schema.SessionDate{Year: 2026, Month: time.February, Day: 2}
	_, err := provider.GetDailyBars(context.Background(), "AAPL", from, from)
	require.ErrorContains(t, err, "unexpected status 502")
	require.ErrorContains(t, err, "upstream unavailable")
}

func TestPolygonRejectsInvertedRange(t *testing.T) {
	provider, err := NewPolygonProvider("test-key")
	require.NoError(t, err)

	from := schema.SessionDate{Year: 2026, Month: time.February, Day: 10}
	_, err = provider.GetDailyBars(context.Background(), "AAPL", from, from.AddDays(-1))
	require.True(t, errs.HasCode(err, errs.CodeValidation))

	_, err = provider.GetDailyBars(context.Background(), "  ", from, from)
	require.True(t, errs.HasCode(err, errs.CodeValidation))
}
