package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/tidwall/gjson"

	"onboardbot/pkg/logx"
)

// ErrRefused reports a well-formed backend reply with success=false.
type ErrRefused struct {
	Path string
}

func (e *ErrRefused) Error() string { return "backend refused request: " + e.Path }

type Config struct {
	BaseURL string
	Secret  string

	// Timeout bounds each request attempt (default 8s).
	Timeout time.Duration

	MaxRedirects int // default 3
	RetryMax     int // transient retries per request, default 2
}

type Client struct {
	base     string
	secret   []byte
	http     *http.Client
	retryMax int
	log      logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 3
	}
	retryMax := cfg.RetryMax
	if retryMax < 0 {
		retryMax = 0
	} else if retryMax == 0 {
		retryMax = 2
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		secret: []byte(cfg.Secret),
		http: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		retryMax: retryMax,
		log:      log,
	}
}

// OnboardList fetches the full onboarding template set.
func (c *Client) OnboardList(ctx context.Context) ([]MessageTemplate, error) {
	body, err := c.get(ctx, "/onboard/list", nil)
	if err != nil {
		return nil, err
	}
	return normalizeTemplates(body), nil
}

// OnboardByCommand fetches on-demand templates for a command. An empty result
// is not an error: the backend may legitimately have nothing registered.
func (c *Client) OnboardByCommand(ctx context.Context, command string) ([]MessageTemplate, error) {
	if strings.TrimSpace(command) == "" {
		return nil, nil
	}
	body, err := c.get(ctx, "/onboard/by-command", map[string]any{"command": command})
	if err != nil {
		return nil, err
	}
	return normalizeTemplates(body), nil
}

// BroadcastMessages fetches the pending broadcast templates.
func (c *Client) BroadcastMessages(ctx context.Context) ([]BroadcastMessage, error) {
	body, err := c.get(ctx, "/broadcast/messages", nil)
	if err != nil {
		return nil, err
	}
	root := gjson.ParseBytes(body)
	if !root.Get("success").Bool() {
		return nil, &ErrRefused{Path: "/broadcast/messages"}
	}
	var out []BroadcastMessage
	if msgs := root.Get("messages"); msgs.IsArray() {
		if err := json.Unmarshal([]byte(msgs.Raw), &out); err != nil {
			return nil, fmt.Errorf("broadcast messages: %w", err)
		}
	}
	return out, nil
}

// BroadcastUsers fetches one recipient page for a broadcast template.
func (c *Client) BroadcastUsers(ctx context.Context, messageID string, skip, limit int) ([]BroadcastRecipient, error) {
	body, err := c.get(ctx, "/broadcast/users", map[string]any{
		"message": messageID,
		"skip":    skip,
		"limit":   limit,
	})
	if err != nil {
		return nil, err
	}
	root := gjson.ParseBytes(body)
	if !root.Get("success").Bool() {
		return nil, &ErrRefused{Path: "/broadcast/users"}
	}
	var out []BroadcastRecipient
	if users := root.Get("users"); users.IsArray() {
		if err := json.Unmarshal([]byte(users.Raw), &out); err != nil {
			return nil, fmt.Errorf("broadcast users: %w", err)
		}
	}
	return out, nil
}

// MarkDone marks a broadcast template complete. A false return with nil error
// means the backend answered but declined.
func (c *Client) MarkDone(ctx context.Context, messageID string) (bool, error) {
	body, err := c.post(ctx, "/broadcast/mark-done", map[string]any{"message": messageID})
	if err != nil {
		return false, err
	}
	return gjson.GetBytes(body, "success").Bool(), nil
}

// MarkInactive reports a permanently unreachable recipient. Best-effort by
// contract; callers fire it asynchronously and only log failures.
func (c *Client) MarkInactive(ctx context.Context, chatID int64, reason string) error {
	_, err := c.post(ctx, "/bot-user/mark-inactive", map[string]any{
		"chat_id": chatID,
		"reason":  reason,
	})
	return err
}

// SaveUser registers a recipient after first contact.
func (c *Client) SaveUser(ctx context.Context, u UserProfile) error {
	body := map[string]any{
		"telegramId": u.TelegramID,
		"is_premium": u.IsPremium,
	}
	// Match the backend contract: absent profile fields are sent as nulls.
	body["first_name"] = nullable(u.FirstName)
	body["last_name"] = nullable(u.LastName)
	body["username"] = nullable(u.Username)
	body["language_code"] = nullable(u.LanguageCode)
	body["referred_by"] = nullable(u.ReferredBy)

	_, err := c.post(ctx, "/save-user", body)
	return err
}

// JoinedChannel tells the backend a recipient completed the channel join.
func (c *Client) JoinedChannel(ctx context.Context, userID int64) error {
	_, err := c.post(ctx, "/joined-channel", map[string]any{"id": userID})
	return err
}

// UserExists checks whether the backend already knows this recipient.
func (c *Client) UserExists(ctx context.Context, userID int64) (bool, error) {
	body, err := c.get(ctx, "/user-exists/"+strconv.FormatInt(userID, 10), nil)
	if err != nil {
		return false, err
	}
	root := gjson.ParseBytes(body)
	if v := root.Get("exists"); v.Exists() {
		return v.Bool(), nil
	}
	return root.Get("success").Bool(), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (c *Client) get(ctx context.Context, path string, params map[string]any) ([]byte, error) {
	sig, err := sign(c.secret, params)
	if err != nil {
		return nil, err
	}
	u := c.base + path
	if len(params) > 0 {
		q := url.Values{}
		for k, v := range canonicalize(params) {
			q.Set(k, v)
		}
		u += "?" + q.Encode()
	}
	return c.do(ctx, http.MethodGet, u, nil, sig)
}

func (c *Client) post(ctx context.Context, path string, body map[string]any) ([]byte, error) {
	sig, err := sign(c.secret, body)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, c.base+path, payload, sig)
}

func (c *Client) do(ctx context.Context, method, u string, body []byte, signature string) ([]byte, error) {
	var out []byte
	err := retry.Do(
		func() error {
			var rd io.Reader
			if body != nil {
				rd = bytes.NewReader(body)
			}
			req, err := http.NewRequestWithContext(ctx, method, u, rd)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("X-Signature", signature)
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := c.http.Do(req)
			if err != nil {
				return err // transport errors are retryable
			}
			defer resp.Body.Close()

			b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
			if err != nil {
				return err
			}
			if resp.StatusCode >= 500 {
				return fmt.Errorf("%s %s: status %d", method, u, resp.StatusCode)
			}
			if resp.StatusCode >= 300 {
				return retry.Unrecoverable(fmt.Errorf("%s %s: status %d", method, u, resp.StatusCode))
			}
			out = b
			return nil
		},
		retry.Attempts(uint(c.retryMax+1)),
		retry.Delay(300*time.Millisecond),
		retry.MaxDelay(3*time.Second),
		retry.MaxJitter(200*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Debug("backend request retry",
				logx.String("url", u), logx.Int("attempt", int(n)+1), logx.Err(err))
		}),
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}
