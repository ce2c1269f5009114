package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Artifact suffixes in precedence order. The first that yields a token wins.
var artifactSuffixes = []string{
	"-token.txt",
	"-storage.json",
	".state.json",
	".json",
}

var tokenKeys = []string{"id_token", "token", "access_token"}

const xsrfCookie = "XSRF-TOKEN"

// FileSource reads credential artifacts from a directory.
type FileSource struct {
	dir string
}

// NewFileSource creates a source rooted at dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

// Load returns the credentials for slug from the highest-precedence
// artifact that parses. It never merges fields across artifacts, except
// that a token-only artifact picks up the XSRF cookie from the storage
// state when one exists.
func (f *FileSource) Load(slug string) (Credentials, error) {
	var errs []error
	for _, suffix := range artifactSuffixes {
		name := slug + suffix
		raw, err := os.ReadFile(filepath.Join(f.dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		var c Credentials
		if suffix == "-token.txt" {
			c = Credentials{JWT: stripBearer(string(raw))}
		} else {
			c, err = parseArtifact(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				continue
			}
		}
		if c.JWT == "" {
			continue
		}
		c.Source = name
		if c.XSRF == "" {
			c.XSRF = f.xsrfFromState(slug)
		}
		if c.ExpiresAt.IsZero() {
			if exp, ok := ExpiryOf(c.JWT); ok {
				c.ExpiresAt = exp
			}
		}
		return c, nil
	}
	if len(errs) > 0 {
		return Credentials{}, fmt.Errorf("%w for %s: %v", ErrNoCredentials, slug, errors.Join(errs...))
	}
	return Credentials{}, fmt.Errorf("%w for %s in %s", ErrNoCredentials, slug, f.dir)
}

func (f *FileSource) xsrfFromState(slug string) string {
	raw, err := os.ReadFile(filepath.Join(f.dir, slug+".state.json"))
	if err != nil {
		return ""
	}
	c, err := parseArtifact(raw)
	if err != nil {
		return ""
	}
	return c.XSRF
}

type kv struct {
	Key   string          `json:"key"`
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

func (e kv) name() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Key
}

func (e kv) str() string {
	var s string
	if json.Unmarshal(e.Value, &s) == nil {
		return s
	}
	return strings.Trim(string(e.Value), `"`)
}

type artifact struct {
	LocalStorage   []kv `json:"localStorage"`
	SessionStorage []kv `json:"sessionStorage"`
	Origins        []struct {
		LocalStorage []kv `json:"localStorage"`
	} `json:"origins"`
	Cookies []kv `json:"cookies"`

	IDToken        string          `json:"id_token"`
	IDTokenExpires json.RawMessage `json:"id_token_expires_at"`
}

// parseArtifact understands the storage dump, the storage state, the legacy
// {id_token, id_token_expires_at} object and a bare cookie array.
func parseArtifact(raw []byte) (Credentials, error) {
	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) > 0 && raw[0] == '[' {
		var cookies []kv
		if err := json.Unmarshal(raw, &cookies); err != nil {
			return Credentials{}, err
		}
		return fromPairs(cookies, cookies), nil
	}

	var a artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return Credentials{}, err
	}

	pairs := append([]kv{}, a.LocalStorage...)
	pairs = append(pairs, a.SessionStorage...)
	for _, o := range a.Origins {
		pairs = append(pairs, o.LocalStorage...)
	}
	c := fromPairs(pairs, a.Cookies)
	if c.JWT == "" && a.IDToken != "" {
		c.JWT = stripBearer(a.IDToken)
	}
	if exp, ok := parseMillis(a.IDTokenExpires); ok {
		c.ExpiresAt = exp
	}
	return c, nil
}

func fromPairs(pairs, cookies []kv) Credentials {
	var c Credentials
	values := make(map[string]string, len(pairs))
	for _, p := range pairs {
		if _, dup := values[p.name()]; !dup {
			values[p.name()] = p.str()
		}
	}
	for _, k := range tokenKeys {
		if v := values[k]; v != "" {
			c.JWT = stripBearer(v)
			break
		}
	}
	if v := values["id_token_expires_at"]; v != "" {
		if exp, ok := parseMillis(json.RawMessage(strconv.Quote(v))); ok {
			c.ExpiresAt = exp
		}
	}
	for _, ck := range cookies {
		if ck.name() == xsrfCookie {
			c.XSRF = ck.str()
		}
	}
	return c
}

// parseMillis reads epoch milliseconds given as a JSON number or string.
func parseMillis(raw json.RawMessage) (time.Time, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
