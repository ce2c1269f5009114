package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Hezlepinc/lead-ingestor/internal/model"
	"github.com/joho/godotenv"
)

const defaultAPIRoot = "https://powerplay.generac.com/app/powerplay3-server/api"

var (
	ErrNoRegions = errors.New("config: CLAIMER_REGIONS is empty")
	ErrNoStore   = errors.New("config: CLAIMER_STORE_URL is empty")
)

// Lock backends.
const (
	LockStore  = "store"
	LockRedis  = "redis"
	LockDynamo = "dynamodb"
)

// Config holds claimer configuration from environment.
type Config struct {
	Regions  []model.Region
	StoreURL string

	PollInterval time.Duration
	PollJitter   time.Duration
	PageSize     int

	AutoClaim    bool
	ClaimTimeout time.Duration
	ClaimJitter  time.Duration
	ClaimPaths   []string
	ClaimBackoff time.Duration
	ClaimRate    float64
	Sentinels    []string

	LockBackend string
	LockTTL     time.Duration
	SeenTTL     time.Duration
	SeenMax     int

	CredentialsDir string
	RefreshURL     string
	RefreshLead    time.Duration

	HubEnabled bool
	HubURL     string

	TokenSecret string
	Port        int

	RedisURL       string
	DynamoTable    string
	DynamoEndpoint string
	KafkaBrokers   string
	KafkaTopic     string
	SESFrom        string
	SESTo          string

	Env string

	// invalid collects values that did not parse; Validate reports them.
	invalid []string
}

// Load reads configuration from environment variables, after loading a
// .env file from the working directory when one exists.
// Env prefix: CLAIMER_
func Load() *Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads configuration from the current environment only.
func FromEnv() *Config {
	c := &Config{}
	c.StoreURL = getEnv("CLAIMER_STORE_URL", "")
	c.Regions = regions(
		splitList(getEnv("CLAIMER_REGIONS", "")),
		splitList(getEnv("CLAIMER_API_ROOTS", defaultAPIRoot)),
		splitList(getEnv("CLAIMER_DEALER_IDS", "")),
	)

	c.PollInterval = c.duration("CLAIMER_POLL_INTERVAL", time.Second)
	c.PollJitter = c.duration("CLAIMER_POLL_JITTER", 120*time.Millisecond)
	c.PageSize = c.integer("CLAIMER_PAGE_SIZE", 25)

	c.AutoClaim = c.boolean("CLAIMER_AUTO_CLAIM", true)
	c.ClaimTimeout = c.duration("CLAIMER_CLAIM_TIMEOUT", 1500*time.Millisecond)
	c.ClaimJitter = c.duration("CLAIMER_CLAIM_JITTER", 100*time.Millisecond)
	c.ClaimPaths = splitList(getEnv("CLAIMER_CLAIM_PATHS", "Opportunity/{id}/Claim,opportunity/{id}/claim"))
	c.ClaimBackoff = c.duration("CLAIMER_CLAIM_BACKOFF", 5*time.Minute)
	c.ClaimRate = c.float("CLAIMER_CLAIM_RATE", 10)
	c.Sentinels = splitList(getEnv("CLAIMER_UNCLAIMED_STATUSES", "E0004"))

	c.LockBackend = strings.ToLower(getEnv("CLAIMER_LOCK_BACKEND", LockStore))
	c.LockTTL = c.duration("CLAIMER_LOCK_TTL", 6*time.Hour)
	c.SeenTTL = c.duration("CLAIMER_SEEN_TTL", 6*time.Hour)
	c.SeenMax = c.integer("CLAIMER_SEEN_MAX", 10000)

	c.CredentialsDir = getEnv("CLAIMER_CREDENTIALS_DIR", "/data/auth")
	c.RefreshURL = getEnv("CLAIMER_REFRESH_URL", "")
	c.RefreshLead = c.duration("CLAIMER_REFRESH_LEAD", 5*time.Minute)

	c.HubEnabled = c.boolean("CLAIMER_HUB_ENABLED", false)
	c.HubURL = getEnv("CLAIMER_HUB_URL", "")

	c.TokenSecret = getEnv("CLAIMER_TOKEN_SECRET", "")
	c.Port = c.integer("CLAIMER_PORT", 8080)

	c.RedisURL = getEnv("CLAIMER_REDIS_URL", "")
	c.DynamoTable = getEnv("CLAIMER_DYNAMO_TABLE", "")
	c.DynamoEndpoint = getEnv("CLAIMER_DYNAMO_ENDPOINT", "")
	c.KafkaBrokers = getEnv("CLAIMER_KAFKA_BROKERS", "")
	c.KafkaTopic = getEnv("CLAIMER_KAFKA_TOPIC", "lead-detections")
	c.SESFrom = getEnv("CLAIMER_SES_FROM", "")
	c.SESTo = getEnv("CLAIMER_SES_TO", "")

	c.Env = getEnv("CLAIMER_ENV", "production")
	return c
}

// Validate reports configuration the process cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Regions) == 0 {
		errs = append(errs, ErrNoRegions)
	}
	seen := make(map[string]bool, len(c.Regions))
	for _, r := range c.Regions {
		if r.Slug == "" || seen[r.Slug] {
			errs = append(errs, fmt.Errorf("config: region %q is empty or duplicated", r.Name))
		}
		seen[r.Slug] = true
	}
	if c.StoreURL == "" {
		errs = append(errs, ErrNoStore)
	} else if !knownStoreScheme(c.StoreURL) {
		errs = append(errs, fmt.Errorf("config: unsupported store url scheme in %q", schemeOf(c.StoreURL)))
	}

	switch c.LockBackend {
	case LockStore:
	case LockRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("config: lock backend redis needs CLAIMER_REDIS_URL"))
		}
	case LockDynamo:
		if c.DynamoTable == "" {
			errs = append(errs, errors.New("config: lock backend dynamodb needs CLAIMER_DYNAMO_TABLE"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown lock backend %q", c.LockBackend))
	}

	if c.HubEnabled && c.HubURL == "" {
		errs = append(errs, errors.New("config: CLAIMER_HUB_ENABLED needs CLAIMER_HUB_URL"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("config: CLAIMER_POLL_INTERVAL must be positive"))
	}
	for _, name := range c.invalid {
		errs = append(errs, fmt.Errorf("config: invalid value for %s", name))
	}
	return errors.Join(errs...)
}

// Development reports whether the development logger is wanted.
func (c *Config) Development() bool {
	return strings.EqualFold(c.Env, "development")
}

// regions pairs names with API roots and dealer ids by index. A missing
// API root reuses the first one.
func regions(names, roots, dealers []string) []model.Region {
	out := make([]model.Region, 0, len(names))
	for i, name := range names {
		root := defaultAPIRoot
		switch {
		case i < len(roots):
			root = roots[i]
		case len(roots) > 0:
			root = roots[0]
		}
		dealer := ""
		if i < len(dealers) {
			dealer = dealers[i]
		}
		out = append(out, model.NewRegion(name, root, dealer))
	}
	return out
}

func knownStoreScheme(url string) bool {
	switch schemeOf(url) {
	case "postgres", "postgresql", "mongodb", "mongodb+srv", "sqlite":
		return true
	}
	return false
}

func schemeOf(url string) string {
	scheme, _, ok := strings.Cut(url, "://")
	if !ok {
		return ""
	}
	return strings.ToLower(scheme)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func (c *Config) integer(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.invalid = append(c.invalid, key)
		return fallback
	}
	return n
}

func (c *Config) float(key string, fallback float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		c.invalid = append(c.invalid, key)
		return fallback
	}
	return f
}

func (c *Config) boolean(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		c.invalid = append(c.invalid, key)
		return fallback
	}
	return b
}

// duration accepts Go durations ("1.5s") or plain milliseconds ("1500").
func (c *Config) duration(key string, fallback time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		c.invalid = append(c.invalid, key)
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
