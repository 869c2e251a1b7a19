package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// ConnectionReport is the result of CheckConnection, phrased for operators.
type ConnectionReport struct {
	OK         bool   `json:"ok"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
	Error      string `json:"error,omitempty"`
	BaseURL    string `json:"base_url"`
	Total      int    `json:"total_environments"`
}

// CheckConnection verifies credentials, reachability and API access in that order.
func (c *HTTPClient) CheckConnection(ctx context.Context) ConnectionReport {
	rep := ConnectionReport{BaseURL: c.cfg.BaseURL}
	if strings.TrimSpace(c.cfg.APIID) == "" || strings.TrimSpace(c.cfg.APIKey) == "" {
		rep.Message = "api id or api key not configured"
		rep.Suggestion = "set provider.api_id and provider.api_key (or ENVFLEET_API_ID / ENVFLEET_API_KEY)"
		return rep
	}

	// Reachability probe: any HTTP answer counts.
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, c.cfg.BaseURL, nil)
	if err == nil {
		var resp *http.Response
		resp, err = c.http.Do(req)
		if resp != nil {
			_ = resp.Body.Close()
		}
	}
	cancel()
	if err != nil {
		rep.Error = err.Error()
		switch {
		case errors.Is(err, syscall.ECONNREFUSED):
			rep.Message = fmt.Sprintf("cannot connect to provider at %s", c.cfg.BaseURL)
			rep.Suggestion = "make sure the provider client is running and its local API is enabled"
			return rep
		case isTimeout(err):
			rep.Message = fmt.Sprintf("connection to %s timed out", c.cfg.BaseURL)
			rep.Suggestion = "check that the provider service is healthy"
			return rep
		}
	}

	page, err := c.ListEnvironments(ctx, ListOptions{Page: 1, PageSize: 1})
	if err != nil {
		rep.Error = err.Error()
		rep.Message = "api verification failed"
		rep.Suggestion = "check the api id and api key"
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.HTTPStatus == http.StatusUnauthorized || apiErr.HTTPStatus == http.StatusForbidden:
				rep.Suggestion = "api id or api key rejected; regenerate them in the provider client"
			case strings.TrimSpace(apiErr.Msg) != "":
				rep.Suggestion = apiErr.Msg
			}
		}
		return rep
	}
	rep.OK = true
	rep.Message = "connected"
	rep.Total = page.Total
	return rep
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
