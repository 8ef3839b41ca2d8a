package util

import (
	"testing"
	"time"
)

func TestCurrentTimestampIsCloseToNow(t *testing.T) {
	got := CurrentTimestamp()
	want := float64(time.Now().UnixNano()) / float64(time.Second)
	if diff := want - got; diff > 1 || diff < -1 {
		t.Fatalf("CurrentTimestamp() = %v, want close to %v", got, want)
	}
}

func TestRedactMetadataMasksSensitiveKeysCaseInsensitively(t *testing.T) {
	meta := map[string]any{
		"Authorization": "secret-token",
		"path":          "/login",
	}
	sensitive := map[string]struct{}{"authorization": {}}

	out := RedactMetadata(meta, sensitive)
	if out["Authorization"] != "[REDACTED]" {
		t.Fatalf("Authorization = %v, want [REDACTED]", out["Authorization"])
	}
	if out["path"] != "/login" {
		t.Fatalf("path = %v, want unchanged", out["path"])
	}
	if meta["Authorization"] != "secret-token" {
		t.Fatal("RedactMetadata must not mutate its input")
	}
}

func TestRedactMetadataNilInputStaysNil(t *testing.T) {
	if out := RedactMetadata(nil, nil); out != nil {
		t.Fatalf("RedactMetadata(nil, nil) = %v, want nil", out)
	}
}

func TestClampPayloadTruncatesLongStrings(t *testing.T) {
	got := ClampPayload("0123456789", 4)
	if got != "0123...[TRUNCATED]" {
		t.Fatalf("ClampPayload = %q", got)
	}
}

func TestClampPayloadLeavesShortStringsAlone(t *testing.T) {
	if got := ClampPayload("short", 100); got != "short" {
		t.Fatalf("ClampPayload = %q, want unchanged", got)
	}
}

func TestClampPayloadDisabledForNonPositiveMax(t *testing.T) {
	if got := ClampPayload("anything", 0); got != "anything" {
		t.Fatalf("ClampPayload with maxBytes=0 = %q, want unchanged", got)
	}
}

func TestAnonymizeIPMasksLastOctetForIPv4(t *testing.T) {
	got := AnonymizeIP("192.168.1.42", IPAnonymizeLastOctet)
	if got != "192.168.1.0" {
		t.Fatalf("AnonymizeIP = %q, want 192.168.1.0", got)
	}
}

func TestAnonymizeIPMasksLast80BitsForIPv6(t *testing.T) {
	got := AnonymizeIP("2001:db8::1", IPAnonymizeLastOctet)
	if got != "2001:db8::" {
		t.Fatalf("AnonymizeIP = %q, want 2001:db8::", got)
	}
}

func TestAnonymizeIPNoneModeLeavesAddressUntouched(t *testing.T) {
	if got := AnonymizeIP("10.0.0.1", IPAnonymizeNone); got != "10.0.0.1" {
		t.Fatalf("AnonymizeIP = %q, want unchanged", got)
	}
}

func TestAnonymizeIPUnparsableInputPassesThrough(t *testing.T) {
	if got := AnonymizeIP("not-an-ip", IPAnonymizeLastOctet); got != "not-an-ip" {
		t.Fatalf("AnonymizeIP = %q, want unchanged", got)
	}
}
