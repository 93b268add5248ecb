// Package telegram implements the chat transport adapter contract against
// the Telegram Bot HTTP API: sending and editing messages, sending
// document attachments, long-polling for updates, and answering callback
// queries, with rate limiting and retry on transient failures.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"

	"github.com/codelatch/codelatchd/internal/apperrors"
)

const apiBase = "https://api.telegram.org"

// MaxInlineLength is the default Telegram message body size above which
// callers should prefer SendDocument; it is also enforced as a library
// default and can be overridden by configuration.
const MaxInlineLength = 4096

// Client talks to the Telegram Bot API for a single bot token and a single
// authorized chat. It is safe for concurrent use: the rate limiter
// serializes outbound call pacing internally.
type Client struct {
	httpClient *http.Client
	token      string
	limiter    *rate.Limiter
	offset     int64
}

// NewClient builds a Client for the given bot token. The limiter matches
// Telegram's documented budget of roughly 20 messages/second per bot.
func NewClient(token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		token:      token,
		limiter:    rate.NewLimiter(rate.Every(50*time.Millisecond), 20),
	}
}

// GetBotUsername calls getMe to verify the token is valid, returning the
// bot's username on success.
func (c *Client) GetBotUsername(ctx context.Context) (string, error) {
	var user BotUser
	if err := c.call(ctx, "getMe", nil, &user); err != nil {
		return "", err
	}
	return user.Username, nil
}

// Send posts a MarkdownV2 message to chatID, optionally with inline
// keyboard rows, and returns the new message's id.
func (c *Client) Send(ctx context.Context, chatID int64, text string, buttons [][]Button) (int64, error) {
	body := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "MarkdownV2",
	}
	if len(buttons) > 0 {
		body["reply_markup"] = json.RawMessage(buildMarkup(buttons))
	}
	var sent SentMessage
	if err := c.call(ctx, "sendMessage", body, &sent); err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// Edit replaces the text of an existing message. Telegram itself treats a
// no-op edit (identical text) as a 400 "message is not modified" error;
// callers that track the last-sent text can skip calling Edit entirely,
// but a redundant call here is swallowed rather than surfaced.
func (c *Client) Edit(ctx context.Context, chatID, messageID int64, text string) error {
	body := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
		"parse_mode": "MarkdownV2",
	}
	var raw json.RawMessage
	err := c.call(ctx, "editMessageText", body, &raw)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
		return nil
	}
	return err
}

// SendDocument uploads bytes as filename, used whenever content exceeds
// the inline size limit.
func (c *Client) SendDocument(ctx context.Context, chatID int64, filename string, content []byte, caption string) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return apperrors.Wrap(apperrors.CodeTelegramAPI, "build multipart form", err)
	}
	if caption != "" {
		if err := w.WriteField("caption", caption); err != nil {
			return apperrors.Wrap(apperrors.CodeTelegramAPI, "build multipart form", err)
		}
	}
	part, err := w.CreateFormFile("document", filename)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeTelegramAPI, "build multipart form", err)
	}
	if _, err := part.Write(content); err != nil {
		return apperrors.Wrap(apperrors.CodeTelegramAPI, "write document content", err)
	}
	if err := w.Close(); err != nil {
		return apperrors.Wrap(apperrors.CodeTelegramAPI, "close multipart form", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendDocument", apiBase, c.token)
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf.Bytes()))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if isRetryableTransport(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return classifyHTTPResult(resp.StatusCode, respBody)
	}
	if err := c.withRetry(ctx, op); err != nil {
		return apperrors.Wrap(apperrors.CodeTelegramAPI, "sendDocument failed", err)
	}
	return nil
}

// AnswerCallbackQuery dismisses the loading spinner on an inline button
// tap. Called unconditionally before processing the tap, regardless of
// outcome.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID string) error {
	body := map[string]any{"callback_query_id": callbackID}
	var raw json.RawMessage
	return c.call(ctx, "answerCallbackQuery", body, &raw)
}

// PollUpdates performs one long-poll call to getUpdates and returns
// whatever updates arrived, advancing the internal offset so the next
// call never sees the same update twice.
func (c *Client) PollUpdates(ctx context.Context, timeoutSeconds int) ([]Update, error) {
	body := map[string]any{
		"timeout": timeoutSeconds,
	}
	if c.offset != 0 {
		body["offset"] = c.offset
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", body, &updates); err != nil {
		return nil, err
	}
	for _, u := range updates {
		if u.UpdateID >= c.offset {
			c.offset = u.UpdateID + 1
		}
	}
	return updates, nil
}

// call performs one rate-limited, retried Telegram API call and decodes
// the result field into out.
func (c *Client) call(ctx context.Context, method string, body map[string]any, out any) error {
	url := fmt.Sprintf("%s/bot%s/%s", apiBase, c.token, method)

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeTelegramAPI, "encode request body", err)
		}
		payload = b
	}

	var respBody []byte
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if isRetryableTransport(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		if err := classifyHTTPResult(resp.StatusCode, b); err != nil {
			return err
		}
		respBody = b
		return nil
	}

	if err := c.withRetry(ctx, op); err != nil {
		return apperrors.Wrap(apperrors.CodeTelegramAPI, method+" failed", err)
	}

	var envelope apiResponse[json.RawMessage]
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return apperrors.Wrap(apperrors.CodeTelegramAPI, "decode response envelope", err)
	}
	if !envelope.OK {
		return apperrors.New(apperrors.CodeTelegramAPI, envelope.Description)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return apperrors.Wrap(apperrors.CodeTelegramAPI, "decode response result", err)
		}
	}
	return nil
}

// withRetry runs op with exponential backoff and jitter, honoring ctx
// cancellation between attempts. A retryableError from op triggers
// another attempt; a backoff.PermanentError stops immediately.
func (c *Client) withRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 4 * time.Second
	b.MaxElapsedTime = 20 * time.Second

	var lastErr error
	for {
		err := op()
		if err == nil {
			return nil
		}
		if perm, ok := err.(*backoff.PermanentError); ok {
			return perm.Err
		}
		lastErr = err

		next := b.NextBackOff()
		if next == backoff.Stop {
			return lastErr
		}
		log.Printf("telegram: retrying after error: %v (in %s)", err, next)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(next):
		}
	}
}

// classifyHTTPResult turns a Telegram HTTP response into either nil (2xx),
// a retryable error (5xx, 429), or a permanent error (everything else).
func classifyHTTPResult(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return fmt.Errorf("telegram http %d: %s", status, string(body))
	}

	var envelope apiResponse[json.RawMessage]
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Description != "" {
		if isRetryableDescription(envelope.Description) {
			return fmt.Errorf("telegram api error: %s", envelope.Description)
		}
		return backoff.Permanent(fmt.Errorf("telegram api error: %s", envelope.Description))
	}
	return backoff.Permanent(fmt.Errorf("telegram http %d: %s", status, string(body)))
}

func isRetryableDescription(desc string) bool {
	lower := strings.ToLower(desc)
	for _, needle := range []string{"too many requests", "retry after", "timed out", "bad gateway", "gateway timeout", "internal server error"} {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

func isRetryableTransport(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, needle := range []string{"timeout", "connection refused", "connection reset", "eof", "no such host", "temporary"} {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}
