package provider

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingEnvID = errors.New("environment id is required")
	ErrNoEndpoint   = errors.New("start succeeded but no debug port was returned")
)

// APIError is a request the provider answered but rejected.
type APIError struct {
	Op         string
	HTTPStatus int
	Code       int
	Msg        string
}

func (e *APIError) Error() string {
	msg := strings.TrimSpace(e.Msg)
	if msg == "" {
		msg = fmt.Sprintf("code=%d", e.Code)
	}
	if e.HTTPStatus != 0 && e.HTTPStatus/100 != 2 {
		return fmt.Sprintf("%s: %s (http %d)", e.Op, msg, e.HTTPStatus)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

// alreadyClosedHints are substrings the provider uses when a close targets a
// session that is gone. The localized variants come from the desktop client.
var alreadyClosedHints = []string{
	"not found",
	"already closed",
	"not running",
	"不存在",
	"已关闭",
}

// IsAlreadyClosed reports whether err means the session no longer runs.
func IsAlreadyClosed(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.HTTPStatus == 404 {
		return true
	}
	low := strings.ToLower(apiErr.Msg)
	for _, h := range alreadyClosedHints {
		if strings.Contains(low, h) {
			return true
		}
	}
	return false
}
