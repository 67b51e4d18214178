package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"crypto-price-alerts/internal/logging"
)

// ErrMessageNotFound 表示待编辑的消息已不存在或不可编辑。
var ErrMessageNotFound = errors.New("telegram message not found")

// Channel 定义告警消息的投递通道。
type Channel interface {
	Send(ctx context.Context, chatID, text string) (int64, error)
	Edit(ctx context.Context, chatID string, messageID int64, text string) error
}

// APIError 为 Telegram 返回的 ok=false 响应。
type APIError struct {
	Method      string
	StatusCode  int
	ErrorCode   int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s 失败 (status=%d code=%d): %s", e.Method, e.StatusCode, e.ErrorCode, e.Description)
}

// TelegramChannel 通过 Telegram Bot API 推送与更新消息。
type TelegramChannel struct {
	botToken string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramChannel 构造 Telegram 通道。
func NewTelegramChannel(botToken, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramChannel{
		botToken: botToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logging.Component(logger, "alert_telegram"),
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// Send 调用 sendMessage 并返回新消息的 message_id。
func (c *TelegramChannel) Send(ctx context.Context, chatID, text string) (int64, error) {
	resp, err := c.call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return 0, err
	}

	var msg struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(resp.Result, &msg); err != nil {
		return 0, fmt.Errorf("decode sendMessage result: %w", err)
	}
	if msg.MessageID == 0 {
		return 0, fmt.Errorf("sendMessage 未返回 message_id")
	}

	c.logger.Debug().Str("chat_id", chatID).Int64("message_id", msg.MessageID).Msg("告警已发送 (Telegram)")
	return msg.MessageID, nil
}

// Edit 调用 editMessageText 原地更新消息。
func (c *TelegramChannel) Edit(ctx context.Context, chatID string, messageID int64, text string) error {
	_, err := c.call(ctx, "editMessageText", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	})
	if err == nil {
		c.logger.Debug().Str("chat_id", chatID).Int64("message_id", messageID).Msg("告警已更新 (Telegram)")
		return nil
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	desc := strings.ToLower(apiErr.Description)
	switch {
	case strings.Contains(desc, "message is not modified"):
		return nil
	case strings.Contains(desc, "message to edit not found"),
		strings.Contains(desc, "message can't be edited"):
		return fmt.Errorf("%w: %s", ErrMessageNotFound, apiErr.Description)
	}
	return err
}

func (c *TelegramChannel) call(ctx context.Context, method string, payload map[string]any) (*apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	var result apiResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&result)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || (decodeErr == nil && !result.OK) {
		if decodeErr != nil {
			return nil, fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
		}
		return nil, &APIError{
			Method:      method,
			StatusCode:  resp.StatusCode,
			ErrorCode:   result.ErrorCode,
			Description: result.Description,
		}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode telegram response: %w", decodeErr)
	}
	return &result, nil
}

var _ Channel = (*TelegramChannel)(nil)
