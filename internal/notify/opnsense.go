package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/user/abusewatch/internal/util"
)

// OPNsenseAlias keeps a host alias on an OPNsense firewall in sync through
// the firewall alias REST API.
type OPNsenseAlias struct {
	base   string
	name   string
	key    string
	secret string
	http   *http.Client
}

// NewOPNsenseAlias creates the sink.
func NewOPNsenseAlias(cfg util.AliasConfig) *OPNsenseAlias {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.OPNsenseInsecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &OPNsenseAlias{
		base:   strings.TrimRight(cfg.OPNsenseURL, "/"),
		name:   cfg.Name,
		key:    cfg.OPNsenseKey,
		secret: cfg.OPNsenseSecret,
		http:   &http.Client{Timeout: 15 * time.Second, Transport: transport},
	}
}

func (a *OPNsenseAlias) Name() string { return "opnsense:" + a.name }

type aliasItem struct {
	Enabled     string `json:"enabled"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Content     string `json:"content"`
	Description string `json:"description"`
}

type aliasRequest struct {
	Alias aliasItem `json:"alias"`
}

type aliasResponse struct {
	Result      string         `json:"result"`
	UUID        string         `json:"uuid"`
	Validations map[string]any `json:"validations"`
}

// Sync replaces the alias content with ips, creating the alias when it does
// not exist yet, then applies the firewall configuration.
func (a *OPNsenseAlias) Sync(ctx context.Context, ips []string) error {
	uuid, err := a.lookup(ctx)
	if err != nil {
		return err
	}

	item := aliasRequest{Alias: aliasItem{
		Enabled:     "1",
		Name:        a.name,
		Type:        "host",
		Content:     strings.Join(ips, "\n"),
		Description: "Hosts flagged by AbuseIPDB reputation checks",
	}}

	path := "/api/firewall/alias/addItem"
	if uuid != "" {
		path = "/api/firewall/alias/setItem/" + url.PathEscape(uuid)
	}
	var res aliasResponse
	if err := a.call(ctx, http.MethodPost, path, item, &res); err != nil {
		return err
	}
	if res.Result != "saved" {
		return fmt.Errorf("alias %s not saved: %s %v", a.name, res.Result, res.Validations)
	}

	var applied struct {
		Status string `json:"status"`
	}
	if err := a.call(ctx, http.MethodPost, "/api/firewall/alias/reconfigure", struct{}{}, &applied); err != nil {
		return err
	}
	if !strings.EqualFold(strings.TrimSpace(applied.Status), "ok") {
		return fmt.Errorf("alias reconfigure returned %q", applied.Status)
	}
	return nil
}

func (a *OPNsenseAlias) lookup(ctx context.Context) (string, error) {
	var res struct {
		UUID string `json:"uuid"`
	}
	if err := a.call(ctx, http.MethodGet, "/api/firewall/alias/getAliasUUID/"+url.PathEscape(a.name), nil, &res); err != nil {
		return "", err
	}
	return res.UUID, nil
}

func (a *OPNsenseAlias) call(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, rdr)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.SetBasicAuth(a.key, a.secret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned HTTP %d", path, resp.StatusCode)
	}
	// getAliasUUID answers with an empty array when the alias is unknown
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("[]")) {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
