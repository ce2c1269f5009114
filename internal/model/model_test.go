package model

import "testing"

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Dallas TX":        "dallas-tx",
		"  Central FL ":    "central-fl",
		"Tampa & St. Pete": "tampa-and-st-pete",
		"R1":               "r1",
		"--North//East--":  "north-east",
		"":                 "",
	}
	for in, want := range cases {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsUnclaimed(t *testing.T) {
	sentinels := []string{"E0004"}
	if !IsUnclaimed("", sentinels) {
		t.Error("empty status should be unclaimed")
	}
	if !IsUnclaimed("e0004", sentinels) {
		t.Error("sentinel match should be case-insensitive")
	}
	if IsUnclaimed("CLAIMED", sentinels) {
		t.Error("CLAIMED should not be unclaimed")
	}
}

func TestClaimOutcomeWon(t *testing.T) {
	if !(ClaimOutcome{Status: 204}).Won() {
		t.Error("204 should be a win")
	}
	if (ClaimOutcome{Status: 409}).Won() {
		t.Error("409 should not be a win")
	}
	if (ClaimOutcome{Status: 200, Error: "timeout"}).Won() {
		t.Error("errored outcome should not be a win")
	}
}
