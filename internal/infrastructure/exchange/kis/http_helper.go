package kis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/domain"
)

// Broker message codes that change how a failure is retried.
const (
	codeRateLimit      = "EGW00201" // per-second call limit
	codeTokenRateLimit = "EGW00133" // token issued less than a minute ago
	codeTokenExpired   = "EGW00123"
	codeTokenInvalid   = "EGW00121"
)

// apiStatus is the envelope shared by every KIS response.
type apiStatus struct {
	RtCd             string `json:"rt_cd"`
	MsgCd            string `json:"msg_cd"`
	Msg1             string `json:"msg1"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
}

func (s apiStatus) code() string {
	if s.MsgCd != "" {
		return s.MsgCd
	}
	return s.ErrorCode
}

func (s apiStatus) message() string {
	if s.Msg1 != "" {
		return s.Msg1
	}
	return s.ErrorDescription
}

// doRequest sends req and returns the body, mapping failures onto the
// domain error kinds.
func doRequest(hc *http.Client, req *http.Request) ([]byte, error) {
	resp, err := hc.Do(req)
	if err != nil {
		if errors.Is(err, domain.ErrAuth) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("kis %s %s: %w: %w", req.Method, req.URL.Path, domain.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kis %s read body: %w: %w", req.URL.Path, domain.ErrTransientNetwork, err)
	}
	if err := classify(resp.StatusCode, body); err != nil {
		return nil, fmt.Errorf("kis %s %s: %w", req.Method, req.URL.Path, err)
	}
	return body, nil
}

// classify turns an HTTP status plus KIS envelope into an error, or nil.
func classify(status int, body []byte) error {
	var st apiStatus
	_ = json.Unmarshal(body, &st)
	code, msg := st.code(), st.message()

	switch {
	case code == codeRateLimit || code == codeTokenRateLimit || status == http.StatusTooManyRequests:
		return fmt.Errorf("http %d %s %s: %w", status, code, msg, domain.ErrRateLimit)
	case code == codeTokenExpired || code == codeTokenInvalid ||
		status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("http %d %s %s: %w", status, code, msg, domain.ErrAuth)
	case status >= 500:
		return fmt.Errorf("http %d %s: %w", status, truncate(body, 200), domain.ErrTransientNetwork)
	case status != http.StatusOK:
		return fmt.Errorf("http %d %s: %w", status, truncate(body, 200), domain.ErrProtocol)
	case st.RtCd != "" && st.RtCd != "0":
		return fmt.Errorf("rt_cd %s %s %s: %w", st.RtCd, code, msg, domain.ErrProtocol)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
