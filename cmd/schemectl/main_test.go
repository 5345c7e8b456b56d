package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseAt(t *testing.T) {
	at, err := parseAt("2026-10-01T01:00:00+05:30")
	if err != nil {
		t.Fatalf("parseAt returned error: %v", err)
	}
	if !at.Equal(time.Date(2026, 9, 30, 19, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected instant %s", at)
	}

	before := time.Now()
	now, err := parseAt("  ")
	if err != nil || now.Before(before) {
		t.Fatalf("expected current time for empty input, got %s (%v)", now, err)
	}

	if _, err := parseAt("2026-10-01"); err == nil {
		t.Fatal("expected error for a date without time")
	}
}

func TestRunJob_ValidatesArgumentsBeforeConnecting(t *testing.T) {
	if _, err := execute(t, "run-job", "compound"); err == nil {
		t.Fatal("expected unknown job to be rejected")
	}
	if _, err := execute(t, "run-job"); err == nil {
		t.Fatal("expected missing job to be rejected")
	}
	_, err := execute(t, "run-job", "yield", "--at", "tomorrow")
	if err == nil || !strings.Contains(err.Error(), "RFC3339") {
		t.Fatalf("expected --at validation error, got %v", err)
	}
}

func TestRate_PrintsSnapshot(t *testing.T) {
	fetched := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/rates/gold" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprintf(w, `{"metal":"gold","price_per_gram":"7200.50","currency":"INR","fetched_at":%q}`, fetched)
	}))
	defer server.Close()

	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("RATE_ORACLE_BASE_URL", server.URL)
	t.Setenv("TIMEZONE", "UTC")

	out, err := execute(t, "rate")
	if err != nil {
		t.Fatalf("rate returned error: %v", err)
	}
	if !strings.Contains(out, `"per_gram": "7200.5"`) {
		t.Fatalf("unexpected output %s", out)
	}
}

func TestRate_RejectsStaleSnapshot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"metal":"gold","price_per_gram":"7200","currency":"INR","fetched_at":"2020-01-01T00:00:00Z"}`))
	}))
	defer server.Close()

	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("RATE_ORACLE_BASE_URL", server.URL)

	if _, err := execute(t, "rate"); err == nil || !strings.Contains(err.Error(), "stale") {
		t.Fatalf("expected stale rate error, got %v", err)
	}
}
