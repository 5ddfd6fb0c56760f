package sender

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-dispatch/internal/engine"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
		outage    bool
		reason    string
	}{
		{"invalid recipient", ErrInvalidRecipient, true, false, "invalid_recipient"},
		{"marked permanent", Permanent(errors.New("bad template")), true, false, "bad template"},
		{"rate limited", ErrRateLimited, false, false, "rate_limited"},
		{"timeout", context.DeadlineExceeded, false, false, "timeout"},
		{"outage", ErrUnavailable, false, true, "unavailable"},
		{"wrapped outage", errors.Join(errors.New("dial"), ErrUnavailable), false, true, "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))
			assert.Equal(t, tt.outage, IsOutage(tt.err))
			assert.Equal(t, tt.reason, Reason(tt.err))
		})
	}
	assert.Nil(t, Permanent(nil))
}

func TestHTTP_Send(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   error
		permanent bool
	}{
		{"accepted", http.StatusAccepted, nil, false},
		{"rate limited", http.StatusTooManyRequests, ErrRateLimited, false},
		{"unavailable", http.StatusServiceUnavailable, ErrUnavailable, false},
		{"bad recipient", http.StatusUnprocessableEntity, ErrInvalidRecipient, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got deliveryRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
				_ = json.NewDecoder(r.Body).Decode(&got)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			s, err := NewHTTP(HTTPConfig{URL: srv.URL, Token: "tok", Timeout: time.Second})
			require.NoError(t, err)

			err = s.Send(context.Background(), engine.Customer{ID: "c1", Email: "a@b.c"}, "hi")
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, "c1", got.CustomerID)
				assert.Equal(t, "hi", got.Message)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.permanent, IsPermanent(err))
		})
	}
}

func TestHTTP_SendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	s, err := NewHTTP(HTTPConfig{URL: url, Timeout: time.Second})
	require.NoError(t, err)
	err = s.Send(context.Background(), engine.Customer{ID: "c1"}, "hi")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsOutage(err))
}

func TestNewHTTP_RequiresURL(t *testing.T) {
	_, err := NewHTTP(HTTPConfig{})
	assert.Error(t, err)
}

func TestLog_Send(t *testing.T) {
	assert.NoError(t, Log{}.Send(context.Background(), engine.Customer{ID: "c1", Email: "a@b.c"}, "hi"))
	assert.True(t, IsPermanent(Log{}.Send(context.Background(), engine.Customer{ID: "c2"}, "hi")))
}
