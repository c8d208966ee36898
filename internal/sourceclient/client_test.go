package sourceclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want time.Duration
	}{
		{name: "empty", in: "", want: 10 * time.Second},
		{name: "seconds", in: "30", want: 30 * time.Second},
		{name: "garbage", in: "soon", want: 10 * time.Second},
		{name: "zero clamps", in: "0", want: time.Second},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := parseRetryAfter(tc.in)
			if got != tc.want {
				t.Fatalf("parseRetryAfter(%q)=%v want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseRetryAfterEpoch(t *testing.T) {
	epoch := time.Now().Add(25 * time.Second).Unix()
	got := parseRetryAfter(strconv.FormatInt(epoch, 10))
	require.InDelta(t, (25 * time.Second).Seconds(), got.Seconds(), 2)
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		TenantID: "tenant-1",
		Source:   "test-" + t.Name(),
		BaseURL:  srv.URL,
		Token:    "tok",
		Limits: map[EndpointClass]LimiterParams{
			ClassGeneral: {RequestsPerMinute: 60000, Burst: 1000},
		},
	})
}

func TestDoMapsStatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		status int
		header http.Header
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "429 with retry-after",
			status: http.StatusTooManyRequests,
			header: http.Header{"Retry-After": []string{"7"}},
			check: func(t *testing.T, err error) {
				var rl *RateLimitedError
				require.ErrorAs(t, err, &rl)
				require.Equal(t, 7*time.Second, rl.RetryAfter)
			},
		},
		{
			name:   "500 becomes rate limited",
			status: http.StatusInternalServerError,
			check: func(t *testing.T, err error) {
				var rl *RateLimitedError
				require.ErrorAs(t, err, &rl)
				require.Equal(t, 10*time.Second, rl.RetryAfter)
			},
		},
		{
			name:   "402 payment required",
			status: http.StatusPaymentRequired,
			check: func(t *testing.T, err error) {
				var pr *PaymentRequiredError
				require.ErrorAs(t, err, &pr)
			},
		},
		{
			name:   "412 invalid sync token carries fresh token",
			status: http.StatusPreconditionFailed,
			body:   `{"sync":"fresh-token-xyz","errors":[{"message":"sync token invalid"}]}`,
			check: func(t *testing.T, err error) {
				var ist *InvalidSyncTokenError
				require.ErrorAs(t, err, &ist)
				require.Equal(t, "fresh-token-xyz", ist.FreshToken)
			},
		},
		{
			name:   "403 service account only",
			status: http.StatusForbidden,
			body:   `{"errors":[{"message":"requires service_account authentication"}]}`,
			check: func(t *testing.T, err error) {
				var sa *ServiceAccountOnlyError
				require.ErrorAs(t, err, &sa)
			},
		},
		{
			name:   "404 not found",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				require.True(t, IsNotFound(err))
			},
		},
		{
			name:   "plain 403 treated as not found",
			status: http.StatusForbidden,
			check: func(t *testing.T, err error) {
				require.True(t, IsNotFound(err))
			},
		},
		{
			name:   "400 surfaces as http error",
			status: http.StatusBadRequest,
			body:   `{"errors":[{"message":"bad filter"}]}`,
			check: func(t *testing.T, err error) {
				var he *HTTPError
				require.ErrorAs(t, err, &he)
				require.Equal(t, http.StatusBadRequest, he.StatusCode)
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, vs := range tc.header {
					for _, v := range vs {
						w.Header().Add(k, v)
					}
				}
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))

			err := client.Do(context.Background(), ClassGeneral, "GET", "/thing", nil, nil, nil)
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestRetryHonorsRetryAfterThenSucceeds(t *testing.T) {
	attempts := 0
	start := time.Now()
	err := Retry(context.Background(), zerolog.Nop(), func() error {
		attempts++
		if attempts < 2 {
			return &RateLimitedError{RetryAfter: 50 * time.Millisecond}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRetryPropagatesOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	attempts := 0
	err := Retry(context.Background(), zerolog.Nop(), func() error {
		attempts++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, attempts)
}
