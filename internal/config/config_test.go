package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("CLAIMER_REGIONS", "Central California, Gulf & Coast")
	t.Setenv("CLAIMER_STORE_URL", "sqlite:///tmp/claims.db")

	c := FromEnv()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(c.Regions) != 2 {
		t.Fatalf("regions = %+v", c.Regions)
	}
	if c.Regions[1].Slug != "gulf-and-coast" || c.Regions[1].APIRoot != defaultAPIRoot {
		t.Errorf("second region = %+v", c.Regions[1])
	}
	if c.PollInterval != time.Second || c.ClaimTimeout != 1500*time.Millisecond || c.LockTTL != 6*time.Hour {
		t.Errorf("durations = %v %v %v", c.PollInterval, c.ClaimTimeout, c.LockTTL)
	}
	if !c.AutoClaim || c.LockBackend != LockStore || c.Port != 8080 {
		t.Errorf("defaults = auto %v lock %s port %d", c.AutoClaim, c.LockBackend, c.Port)
	}
	if len(c.Sentinels) != 1 || c.Sentinels[0] != "E0004" {
		t.Errorf("sentinels = %v", c.Sentinels)
	}
	if len(c.ClaimPaths) != 2 || c.ClaimPaths[0] != "Opportunity/{id}/Claim" {
		t.Errorf("claim paths = %v", c.ClaimPaths)
	}
	if c.Development() {
		t.Error("production is the default")
	}
}

func TestFromEnvAlignsRegionLists(t *testing.T) {
	t.Setenv("CLAIMER_REGIONS", "a,b,c")
	t.Setenv("CLAIMER_API_ROOTS", "https://one/api/, https://two/api")
	t.Setenv("CLAIMER_DEALER_IDS", "11")
	t.Setenv("CLAIMER_POLL_INTERVAL", "750")
	t.Setenv("CLAIMER_CLAIM_BACKOFF", "90s")

	c := FromEnv()
	want := []struct{ root, dealer string }{
		{"https://one/api", "11"},
		{"https://two/api", ""},
		{"https://one/api", ""},
	}
	for i, w := range want {
		if c.Regions[i].APIRoot != w.root || c.Regions[i].DealerID != w.dealer {
			t.Errorf("region %d = %+v, want %+v", i, c.Regions[i], w)
		}
	}
	if c.PollInterval != 750*time.Millisecond {
		t.Errorf("poll interval = %v", c.PollInterval)
	}
	if c.ClaimBackoff != 90*time.Second {
		t.Errorf("claim backoff = %v", c.ClaimBackoff)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want error
		msg  string
	}{
		{name: "no regions", env: map[string]string{"CLAIMER_STORE_URL": "sqlite://x.db"}, want: ErrNoRegions},
		{name: "no store", env: map[string]string{"CLAIMER_REGIONS": "a"}, want: ErrNoStore},
		{name: "bad scheme", env: map[string]string{"CLAIMER_REGIONS": "a", "CLAIMER_STORE_URL": "mysql://x"}, msg: "store url scheme"},
		{name: "bad lock", env: map[string]string{"CLAIMER_REGIONS": "a", "CLAIMER_STORE_URL": "sqlite://x.db", "CLAIMER_LOCK_BACKEND": "etcd"}, msg: "lock backend"},
		{name: "redis lock without url", env: map[string]string{"CLAIMER_REGIONS": "a", "CLAIMER_STORE_URL": "sqlite://x.db", "CLAIMER_LOCK_BACKEND": "redis"}, msg: "CLAIMER_REDIS_URL"},
		{name: "hub without url", env: map[string]string{"CLAIMER_REGIONS": "a", "CLAIMER_STORE_URL": "sqlite://x.db", "CLAIMER_HUB_ENABLED": "true"}, msg: "CLAIMER_HUB_URL"},
		{name: "duplicate region", env: map[string]string{"CLAIMER_REGIONS": "Gulf Coast,gulf-coast", "CLAIMER_STORE_URL": "sqlite://x.db"}, msg: "duplicated"},
		{name: "unparseable", env: map[string]string{"CLAIMER_REGIONS": "a", "CLAIMER_STORE_URL": "sqlite://x.db", "CLAIMER_SEEN_MAX": "lots"}, msg: "CLAIMER_SEEN_MAX"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			err := FromEnv().Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
			if tc.msg != "" && !strings.Contains(err.Error(), tc.msg) {
				t.Errorf("err = %v, want mention of %s", err, tc.msg)
			}
		})
	}
}
