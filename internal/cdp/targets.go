package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/argus-tools/argus/pkg/types"
)

// Endpoint is Chrome's DevTools HTTP endpoint.
type Endpoint struct {
	Host string
	Port int
}

// DefaultEndpoint is the conventional local debugging port.
var DefaultEndpoint = Endpoint{Host: "127.0.0.1", Port: 9222}

func (e Endpoint) base() string {
	host := e.Host
	if host == "" {
		host = DefaultEndpoint.Host
	}
	port := e.Port
	if port == 0 {
		port = DefaultEndpoint.Port
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func getJSON(ctx context.Context, rawURL string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return types.NewAPIError(types.CodeConnectFailed, fmt.Sprintf("devtools endpoint unreachable: %v", err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return types.NewAPIError(types.CodeConnectFailed,
			fmt.Sprintf("devtools endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if v == nil {
		return nil
	}
	return json.Unmarshal(body, v)
}

// ListTargets fetches the target list from /json/list.
func ListTargets(ctx context.Context, e Endpoint) ([]types.TargetInfo, error) {
	var targets []types.TargetInfo
	if err := getJSON(ctx, e.base()+"/json/list", &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

// BrowserVersion fetches /json/version.
func BrowserVersion(ctx context.Context, e Endpoint) (map[string]string, error) {
	var info map[string]string
	if err := getJSON(ctx, e.base()+"/json/version", &info); err != nil {
		return nil, err
	}
	return info, nil
}

// OpenTarget opens a new tab at targetURL via /json/new.
func OpenTarget(ctx context.Context, e Endpoint, targetURL string) (*types.TargetInfo, error) {
	var target types.TargetInfo
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		e.base()+"/json/new?"+url.QueryEscape(targetURL), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, types.NewAPIError(types.CodeConnectFailed, fmt.Sprintf("devtools endpoint unreachable: %v", err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewAPIError(types.CodeConnectFailed,
			fmt.Sprintf("open target failed with %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if err := json.Unmarshal(body, &target); err != nil {
		return nil, err
	}
	return &target, nil
}

// ActivateTarget raises a tab via /json/activate.
func ActivateTarget(ctx context.Context, e Endpoint, id string) error {
	return getJSON(ctx, e.base()+"/json/activate/"+url.PathEscape(id), nil)
}

// CloseTarget closes a tab via /json/close.
func CloseTarget(ctx context.Context, e Endpoint, id string) error {
	return getJSON(ctx, e.base()+"/json/close/"+url.PathEscape(id), nil)
}

// MatchTarget picks the first target satisfying every supplied
// predicate. An explicit TargetID bypasses all other predicates; an
// empty match picks the first target.
func MatchTarget(targets []types.TargetInfo, m *types.TargetMatch) (*types.TargetInfo, error) {
	if len(targets) == 0 {
		return nil, types.NewAPIError(types.CodeConnectFailed, "no targets available")
	}
	if m != nil && m.TargetID != "" {
		for i := range targets {
			if targets[i].ID == m.TargetID {
				return &targets[i], nil
			}
		}
		return nil, types.NewAPIError(types.CodeConnectFailed,
			fmt.Sprintf("target %q not found", m.TargetID))
	}
	if m.IsEmpty() {
		return &targets[0], nil
	}

	var urlRe, titleRe *regexp.Regexp
	var err error
	if m.URLRegex != "" {
		if urlRe, err = regexp.Compile(m.URLRegex); err != nil {
			return nil, types.NewAPIError(types.CodeInvalidMatch, fmt.Sprintf("bad url regex: %v", err))
		}
	}
	if m.TitleRegex != "" {
		if titleRe, err = regexp.Compile(m.TitleRegex); err != nil {
			return nil, types.NewAPIError(types.CodeInvalidMatch, fmt.Sprintf("bad title regex: %v", err))
		}
	}

	byID := make(map[string]*types.TargetInfo, len(targets))
	for i := range targets {
		byID[targets[i].ID] = &targets[i]
	}

	for i := range targets {
		t := &targets[i]
		if m.URLContains != "" && !strings.Contains(t.URL, m.URLContains) {
			continue
		}
		if m.TitleContains != "" && !strings.Contains(t.Title, m.TitleContains) {
			continue
		}
		if urlRe != nil && !urlRe.MatchString(t.URL) {
			continue
		}
		if titleRe != nil && !titleRe.MatchString(t.Title) {
			continue
		}
		if m.Type != "" && t.Type != m.Type {
			continue
		}
		if m.Origin != "" && !hasOriginPrefix(t.URL, m.Origin) {
			continue
		}
		if m.ParentURL != "" {
			parent := byID[t.ParentID]
			if parent == nil || !strings.Contains(parent.URL, m.ParentURL) {
				continue
			}
		}
		return t, nil
	}
	return nil, types.NewAPIError(types.CodeConnectFailed, "no target matched the supplied predicates")
}

// hasOriginPrefix checks scheme+host+port equality between the match
// origin and the target URL.
func hasOriginPrefix(rawURL, origin string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	o, err := url.Parse(origin)
	if err != nil || o.Scheme == "" {
		return strings.HasPrefix(rawURL, origin)
	}
	return u.Scheme == o.Scheme && u.Host == o.Host
}
