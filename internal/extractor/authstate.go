package extractor

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
)

// Cookie is one persisted browser cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite"`
}

// StorageEntry is one localStorage key/value pair.
type StorageEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// OriginState is the localStorage snapshot for one origin.
type OriginState struct {
	Origin       string         `json:"origin"`
	LocalStorage []StorageEntry `json:"localStorage"`
}

// AuthState is a saved login session. Both the storage-state object form and
// a bare cookie list are accepted.
type AuthState struct {
	Cookies []Cookie      `json:"cookies"`
	Origins []OriginState `json:"origins"`
}

// LoadAuthState reads path without modifying it. An empty path yields an
// empty state.
func LoadAuthState(path string) (AuthState, error) {
	if strings.TrimSpace(path) == "" {
		return AuthState{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return AuthState{}, fmt.Errorf("read auth state %s: %w", path, err)
	}
	return ParseAuthState(data)
}

// ParseAuthState decodes a saved session.
func ParseAuthState(data []byte) (AuthState, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return AuthState{}, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var cookies []Cookie
		if err := json.Unmarshal(data, &cookies); err != nil {
			return AuthState{}, fmt.Errorf("decode cookie list: %w", err)
		}
		return AuthState{Cookies: cookies}, nil
	}
	var state AuthState
	if err := json.Unmarshal(data, &state); err != nil {
		return AuthState{}, fmt.Errorf("decode auth state: %w", err)
	}
	return state, nil
}

// CookieParams converts saved cookies for network.SetCookies. Cookies with
// no name are dropped; non-positive expiry means a session cookie.
func (s AuthState) CookieParams() []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		if c.Name == "" {
			continue
		}
		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			sec := int64(c.Expires)
			nsec := int64((c.Expires - float64(sec)) * float64(time.Second))
			expires := cdp.TimeSinceEpoch(time.Unix(sec, nsec))
			param.Expires = &expires
		}
		switch strings.ToLower(c.SameSite) {
		case "strict":
			param.SameSite = network.CookieSameSiteStrict
		case "lax":
			param.SameSite = network.CookieSameSiteLax
		case "none":
			param.SameSite = network.CookieSameSiteNone
		}
		params = append(params, param)
	}
	return params
}

// LocalStorageFor returns the entries saved for origin.
func (s AuthState) LocalStorageFor(origin string) []StorageEntry {
	origin = strings.TrimRight(origin, "/")
	for _, o := range s.Origins {
		if strings.TrimRight(o.Origin, "/") == origin {
			return o.LocalStorage
		}
	}
	return nil
}
