package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"stockledger/backend/internal/config"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short", ManagerPIN: "123456"})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "739154"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestValidatePINStrength(t *testing.T) {
	weak := []string{"123456", "777777", "345678", "876543", "112233"}
	for _, pin := range weak {
		if err := validatePINStrength(pin); err == nil {
			t.Fatalf("expected %s to be rejected", pin)
		}
	}
	if err := validatePINStrength("493817"); err != nil {
		t.Fatalf("expected 493817 to pass, got %v", err)
	}
}

func TestParseAsOf(t *testing.T) {
	got, err := parseAsOf("2026-01-31")
	if err != nil {
		t.Fatalf("parse date: %v", err)
	}
	if want := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("expected end of day %s, got %s", want, got)
	}

	got, err = parseAsOf("2026-01-31T12:00:00Z")
	if err != nil {
		t.Fatalf("parse RFC3339: %v", err)
	}
	if got.Hour() != 12 {
		t.Fatalf("expected the exact instant to be kept, got %s", got)
	}

	if _, err := parseAsOf("last week"); err == nil {
		t.Fatalf("expected an unparseable date to fail")
	}
}

func TestReportLapsedPrintsJSON(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("REPORT_POLICY_FILE", "")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"report", "lapsed", "--as-of", "2026-03-01"})

	if err := root.Execute(); err != nil {
		t.Fatalf("report lapsed: %v", err)
	}

	var payload lapsedOutput
	if err := json.Unmarshal(out.Bytes(), &payload); err != nil {
		t.Fatalf("decode output %q: %v", out.String(), err)
	}
	if payload.Count != 3 || len(payload.Customers) != 3 {
		t.Fatalf("expected every seeded customer to be lapsed, got %+v", payload)
	}
	if payload.Customers[0].LastSaleAt != nil {
		t.Fatalf("expected no last sale for a fresh store")
	}
}

func TestReportLapsedEnqueueNeedsRedis(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"report", "lapsed", "--enqueue"})

	if err := root.Execute(); err == nil {
		t.Fatalf("expected --enqueue without REDIS_ADDR to fail")
	}
}
