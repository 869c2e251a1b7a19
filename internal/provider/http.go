package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "envfleet/pkg/logx"
)

const (
	defaultCallTimeout  = 10 * time.Second
	defaultStartTimeout = 30 * time.Second
)

// HTTPConfig configures the HTTP client for the local provisioning API.
type HTTPConfig struct {
	BaseURL      string
	APIID        string
	APIKey       string
	Timeout      time.Duration // list/close/status/detail
	StartTimeout time.Duration
	RatePerSec   int // 0 disables client-side limiting
	Headless     *bool
	CDPEvasion   *bool
}

// HTTPClient implements Client against the provider's JSON-over-POST API.
type HTTPClient struct {
	cfg     HTTPConfig
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg HTTPConfig, log logx.Logger) (*HTTPClient, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, errors.New("provider base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &HTTPClient{
		cfg: cfg,
		http: &http.Client{Transport: &http.Transport{
			MaxIdleConns:        32,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		}},
		log: log,
	}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return c, nil
}

func (c *HTTPClient) BaseURL() string { return c.cfg.BaseURL }

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *HTTPClient) ListEnvironments(ctx context.Context, opt ListOptions) (Page, error) {
	opt = opt.withDefaults()
	body := map[string]any{"pageNo": opt.Page, "pageSize": opt.PageSize}
	if opt.Name != "" {
		body["envName"] = opt.Name
	}
	if opt.GroupID != nil {
		body["groupId"] = *opt.GroupID
	}
	if opt.EnvID != "" {
		body["envId"] = opt.EnvID
	}

	var data struct {
		DataList []map[string]any `json:"dataList"`
		Total    json.Number      `json:"total"`
	}
	if err := c.call(ctx, "list environments", "/api/env/page", body, c.cfg.Timeout, &data); err != nil {
		return Page{}, err
	}
	page := Page{Items: make([]Environment, 0, len(data.DataList))}
	for _, m := range data.DataList {
		env := EnvironmentFromMap(m)
		if env.ID == "" {
			continue
		}
		page.Items = append(page.Items, env)
	}
	if n, err := data.Total.Int64(); err == nil {
		page.Total = int(n)
	} else {
		page.Total = len(page.Items)
	}
	return page, nil
}

// ListAll walks every page matching opt.
func ListAll(ctx context.Context, c Client, opt ListOptions) ([]Environment, error) {
	opt = opt.withDefaults()
	var out []Environment
	for {
		page, err := c.ListEnvironments(ctx, opt)
		if err != nil {
			return out, err
		}
		out = append(out, page.Items...)
		if len(page.Items) == 0 || len(out) >= page.Total {
			return out, nil
		}
		opt.Page++
	}
}

func (c *HTTPClient) StartEnvironment(ctx context.Context, envID string) (Endpoint, error) {
	envID = strings.TrimSpace(envID)
	if envID == "" {
		return Endpoint{}, ErrMissingEnvID
	}
	body := map[string]any{"envId": envID}
	if c.cfg.Headless != nil {
		body["isHeadless"] = *c.cfg.Headless
	}
	if c.cfg.CDPEvasion != nil {
		body["cdpEvasion"] = *c.cfg.CDPEvasion
	}

	var data map[string]any
	if err := c.call(ctx, "start environment", "/api/env/start", body, c.cfg.StartTimeout, &data); err != nil {
		return Endpoint{}, err
	}
	ep := Endpoint{}
	if v, ok := data["debugPort"]; ok && v != nil {
		ep.DebugPort = scalarString(v)
	}
	if v, ok := data["webdriver"]; ok && v != nil {
		ep.WebDriver = scalarString(v)
	}
	if ep.Empty() {
		return ep, fmt.Errorf("start environment %s: %w", envID, ErrNoEndpoint)
	}
	return ep, nil
}

func (c *HTTPClient) CloseEnvironment(ctx context.Context, envID string) (CloseResult, error) {
	envID = strings.TrimSpace(envID)
	if envID == "" {
		return CloseResult{}, ErrMissingEnvID
	}
	err := c.call(ctx, "close environment", "/api/env/close", map[string]any{"envId": envID}, c.cfg.Timeout, nil)
	if err == nil {
		return CloseResult{}, nil
	}
	if IsAlreadyClosed(err) {
		c.log.Debug("close: session already gone", logx.String("env", envID), logx.Err(err))
		return CloseResult{AlreadyClosed: true}, nil
	}
	return CloseResult{}, err
}

func (c *HTTPClient) EnvironmentStatus(ctx context.Context, envID string) (Status, error) {
	envID = strings.TrimSpace(envID)
	if envID == "" {
		return Status{}, ErrMissingEnvID
	}
	var data map[string]any
	if err := c.call(ctx, "environment status", "/api/env/status", map[string]any{"envId": envID}, c.cfg.Timeout, &data); err != nil {
		return Status{}, err
	}
	st := Status{}
	if v, ok := data["status"]; ok && v != nil {
		st.Status = scalarString(v)
	}
	if v, ok := data["localStatus"]; ok && v != nil {
		st.LocalStatus = scalarString(v)
	}
	return st, nil
}

// Detail returns the provider's raw detail record for one environment.
func (c *HTTPClient) Detail(ctx context.Context, envID string) (map[string]any, error) {
	envID = strings.TrimSpace(envID)
	if envID == "" {
		return nil, ErrMissingEnvID
	}
	var data map[string]any
	if err := c.call(ctx, "environment detail", "/api/env/detail", map[string]any{"envId": envID}, c.cfg.Timeout, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *HTTPClient) call(ctx context.Context, op, path string, body any, timeout time.Duration, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-ID", c.cfg.APIID)
	req.Header.Set("X-API-KEY", c.cfg.APIKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}
	c.log.Trace("provider call", logx.String("op", op), logx.Int("http", resp.StatusCode), logx.Duration("took", time.Since(start)))

	var env envelope
	decErr := decodeNumbers(raw, &env)
	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Op: op, HTTPStatus: resp.StatusCode}
		if decErr == nil {
			apiErr.Code = env.Code
			apiErr.Msg = env.Msg
		}
		return apiErr
	}
	if decErr != nil {
		return fmt.Errorf("%s: decode response: %w", op, decErr)
	}
	if env.Code != 0 {
		return &APIError{Op: op, HTTPStatus: resp.StatusCode, Code: env.Code, Msg: env.Msg}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := decodeNumbers(env.Data, out); err != nil {
		return fmt.Errorf("%s: decode data: %w", op, err)
	}
	return nil
}

// decodeNumbers keeps numeric IDs as json.Number; provider IDs exceed 2^53.
func decodeNumbers(raw []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(out)
}
