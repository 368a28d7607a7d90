package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GongXiAdapter 共享邮箱池（gongxi）适配器
// 上游返回统一的 {success, data, error} JSON 包装
type GongXiAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewGongXiAdapter(baseURL, apiKey string) *GongXiAdapter {
	return &GongXiAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type gongxiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *GongXiAdapter) doRequest(ctx context.Context, method, path string, query url.Values, body interface{}) ([]byte, error) {
	reqURL := a.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: 读取响应失败: %v", ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: HTTP %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	return respBody, nil
}

// unwrapEnvelope 解开上游的统一包装，失败时返回上游给出的错误信息
func unwrapEnvelope(respBody []byte, out interface{}) error {
	var envelope gongxiEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("%w: 响应格式异常: %v", ErrUpstreamUnavailable, err)
	}
	if !envelope.Success {
		message := "上游返回失败"
		if envelope.Error != nil && envelope.Error.Message != "" {
			message = envelope.Error.Message
		}
		return fmt.Errorf("%w: %s", ErrUpstreamUnavailable, message)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("%w: 数据格式异常: %v", ErrUpstreamUnavailable, err)
		}
	}
	return nil
}

func (a *GongXiAdapter) GetEmail(ctx context.Context, group string) (*GetEmailResult, error) {
	query := url.Values{}
	if group != "" {
		query.Set("group", group)
	}

	respBody, err := a.doRequest(ctx, http.MethodGet, "/api/get-email", query, nil)
	if err != nil {
		return nil, err
	}

	var result GetEmailResult
	if err := unwrapEnvelope(respBody, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (a *GongXiAdapter) GetMailNew(ctx context.Context, email, mailbox string) (*GetMailResult, error) {
	if mailbox == "" {
		mailbox = "inbox"
	}

	respBody, err := a.doRequest(ctx, http.MethodPost, "/api/mail_new", nil, map[string]string{
		"email":   email,
		"mailbox": mailbox,
	})
	if err != nil {
		return nil, err
	}

	var result GetMailResult
	if err := unwrapEnvelope(respBody, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (a *GongXiAdapter) GetMailText(ctx context.Context, email, match string) (string, error) {
	params := map[string]string{"email": email}
	if match != "" {
		params["match"] = match
	}

	respBody, err := a.doRequest(ctx, http.MethodPost, "/api/mail_text", nil, params)
	if err != nil {
		return "", err
	}

	// 该接口可能直接返回纯文本，也可能返回 JSON 包装
	trimmed := strings.TrimSpace(string(respBody))
	if !strings.HasPrefix(trimmed, "{") {
		text := strings.Trim(trimmed, `"`)
		if strings.HasPrefix(text, "Error:") {
			return "", fmt.Errorf("%w: %s", ErrUpstreamUnavailable, text)
		}
		return text, nil
	}

	var result string
	if err := unwrapEnvelope(respBody, &result); err != nil {
		return "", err
	}
	return result, nil
}

func (a *GongXiAdapter) GetMailAll(ctx context.Context, email, mailbox string) (*GetMailResult, error) {
	if mailbox == "" {
		mailbox = "inbox"
	}

	respBody, err := a.doRequest(ctx, http.MethodPost, "/api/mail_all", nil, map[string]string{
		"email":   email,
		"mailbox": mailbox,
	})
	if err != nil {
		return nil, err
	}

	var result GetMailResult
	if err := unwrapEnvelope(respBody, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (a *GongXiAdapter) ClearMailbox(ctx context.Context, email, mailbox string) error {
	if mailbox == "" {
		mailbox = "inbox"
	}

	respBody, err := a.doRequest(ctx, http.MethodPost, "/api/process-mailbox", nil, map[string]string{
		"email":   email,
		"mailbox": mailbox,
	})
	if err != nil {
		return err
	}
	return unwrapEnvelope(respBody, nil)
}

func (a *GongXiAdapter) ListEmails(ctx context.Context, group string) ([]EmailInfo, error) {
	query := url.Values{}
	if group != "" {
		query.Set("group", group)
	}

	respBody, err := a.doRequest(ctx, http.MethodGet, "/api/list-emails", query, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Emails []EmailInfo `json:"emails"`
	}
	if err := unwrapEnvelope(respBody, &result); err != nil {
		return nil, err
	}
	return result.Emails, nil
}

func (a *GongXiAdapter) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	req.Header.Set("x-api-key", a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}
