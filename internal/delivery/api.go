package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nhle/mailgram/internal/metrics"
)

// DefaultAPIURL is the public Telegram Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// apiResponse is the envelope every Bot API method returns.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter      int   `json:"retry_after,omitempty"`
		MigrateToChatID int64 `json:"migrate_to_chat_id,omitempty"`
	} `json:"parameters,omitempty"`
}

// sentMessage is the subset of a Message result we log.
type sentMessage struct {
	MessageID int64 `json:"message_id"`
}

// upload is a file sent as the multipart field named field.
type upload struct {
	field    string
	filename string
	content  []byte
}

// request is one Bot API call. Without a file it is sent as JSON.
type request struct {
	method string
	params map[string]any
	file   *upload
}

// encode builds a fresh body for each attempt since readers are consumed.
func (r request) encode() (io.Reader, string, error) {
	if r.file == nil {
		data, err := json.Marshal(r.params)
		if err != nil {
			return nil, "", fmt.Errorf("marshaling %s request: %w", r.method, err)
		}
		return bytes.NewReader(data), "application/json", nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range r.params {
		if err := w.WriteField(k, fmt.Sprint(v)); err != nil {
			return nil, "", fmt.Errorf("writing field %s: %w", k, err)
		}
	}
	fw, err := w.CreateFormFile(r.file.field, r.file.filename)
	if err != nil {
		return nil, "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := fw.Write(r.file.content); err != nil {
		return nil, "", fmt.Errorf("writing form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// botAPI is a thin HTTP client for the Telegram Bot API. It paces calls
// with a token bucket and retries HTTP 429 after the server's hint.
type botAPI struct {
	baseURL           string
	token             string
	httpClient        *http.Client
	limiter           *rate.Limiter
	maxRetries        int
	defaultRetryAfter time.Duration
	metrics           metrics.Metrics

	// sleep waits between rate-limited attempts. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// call performs one Bot API method, retrying on 429 up to maxRetries
// times. Any other failure is classified and returned immediately.
func (a *botAPI) call(ctx context.Context, r request) (*apiResponse, error) {
	url := fmt.Sprintf("%s/bot%s/%s", a.baseURL, a.token, r.method)

	var lastErr *Error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, contentType, err := r.encode()
		if err != nil {
			return nil, &Error{Method: r.method, Err: err}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
		if err != nil {
			return nil, &Error{Method: r.method, Err: fmt.Errorf("creating request: %w", err)}
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Accept", "application/json")

		start := time.Now()
		resp, err := a.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// The URL carries the bot token; keep it out of the error.
			return nil, &Error{
				Method:    r.method,
				Retriable: true,
				Err:       fmt.Errorf("executing request: %s", redact(err.Error(), a.token)),
			}
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		a.metrics.APICall(r.method, resp.StatusCode, time.Since(start))
		if readErr != nil {
			return nil, &Error{
				Method:    r.method,
				Status:    resp.StatusCode,
				Retriable: true,
				Err:       fmt.Errorf("reading response body: %w", readErr),
			}
		}

		var out apiResponse
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, &Error{
				Method:    r.method,
				Status:    resp.StatusCode,
				Retriable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
				Err:       fmt.Errorf("decoding response: %w", err),
			}
		}

		if resp.StatusCode == http.StatusOK && out.OK {
			return &out, nil
		}

		apiErr := classify(r.method, resp.StatusCode, &out)
		if resp.StatusCode != http.StatusTooManyRequests {
			return nil, apiErr
		}

		lastErr = apiErr
		if attempt == a.maxRetries {
			break
		}

		wait := a.defaultRetryAfter
		if apiErr.RetryAfter > 0 {
			wait = time.Duration(apiErr.RetryAfter) * time.Second
		}
		if err := a.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	lastErr.Description = fmt.Sprintf("max retries (%d) exceeded: %s", a.maxRetries, lastErr.Description)
	return nil, lastErr
}

// classify maps a failed Bot API response to an Error.
func classify(method string, status int, resp *apiResponse) *Error {
	if resp.ErrorCode != 0 {
		status = resp.ErrorCode
	}
	e := &Error{
		Method:      method,
		Status:      status,
		Description: resp.Description,
	}
	if resp.Parameters != nil {
		e.RetryAfter = resp.Parameters.RetryAfter
		e.MigrateToChatID = resp.Parameters.MigrateToChatID
	}

	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		e.Retriable = true
	case e.MigrateToChatID != 0:
		e.Description = fmt.Sprintf("%s (chat migrated to %d)", e.Description, e.MigrateToChatID)
	}
	return e
}

func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
