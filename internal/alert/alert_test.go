package alert

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	name  string
	err   error
	calls []string
}

func (f *fakeSender) Send(_ context.Context, title, message string) error {
	f.calls = append(f.calls, title+"|"+message)
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"", Info, false},
		{"info", Info, false},
		{"warn", Warning, false},
		{"WARNING", Warning, false},
		{" critical ", Critical, false},
		{"loud", Info, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestLogNotifier_Levels(t *testing.T) {
	logger, hook := test.NewNullLogger()
	n := NewLogNotifier(logger)

	require.NoError(t, n.Notify(context.Background(), Alert{
		Level: Critical, Title: "Flatten failed", Message: "leg SPY...", Fields: map[string]any{"position_id": "p1"},
	}))
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "CRITICAL", entry.Data["severity"])
	assert.Equal(t, "p1", entry.Data["position_id"])
	assert.Equal(t, "Flatten failed: leg SPY...", entry.Message)

	require.NoError(t, n.Notify(context.Background(), Alert{Level: Warning, Title: "Rollback"}))
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestMulti_MinLevelAndFailures(t *testing.T) {
	logger, hook := test.NewNullLogger()
	ok := &fakeSender{name: "ok"}
	bad := &fakeSender{name: "bad", err: errors.New("boom")}
	m := NewMulti(logger, Warning, bad, ok)

	require.NoError(t, m.Notify(context.Background(), Alert{Level: Info, Title: "opened"}))
	assert.Empty(t, ok.calls)

	err := m.Notify(context.Background(), Alert{Level: Critical, Title: "Flatten failed", Message: "p1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Equal(t, []string{"[CRITICAL] Flatten failed|p1"}, ok.calls)
	assert.Len(t, bad.calls, 1)

	var deliveryErrors int
	for _, e := range hook.AllEntries() {
		if e.Message == "Alert delivery failed" {
			deliveryErrors++
		}
	}
	assert.Equal(t, 1, deliveryErrors)
}

func TestWebhookSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhookSender(srv.URL).Send(context.Background(), "Title", "body"))
	assert.Equal(t, "**Title**\nbody", got["content"])
}

func TestWebhookSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"invalid"}`))
	}))
	defer srv.Close()

	err := NewWebhookSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "invalid")
}
