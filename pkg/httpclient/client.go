package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout は1回の呼び出しの既定のタイムアウト。
const DefaultTimeout = 30 * time.Second

// DefaultMaxBodyBytes は読み込むレスポンスボディの既定の上限。受信側の上限と揃える。
const DefaultMaxBodyBytes = 10 << 20

// ErrBodyTooLarge はレスポンスボディが上限を超えたことを表す。
var ErrBodyTooLarge = errors.New("レスポンスボディが上限を超えています")

// Client はタイムアウト付きのHTTPクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// timeout は1回の呼び出しに許す時間。
	timeout time.Duration
	// maxBodyBytes は読み込むレスポンスボディの上限。
	maxBodyBytes int64
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithMaxBodyBytes はレスポンスボディの上限を設定する。0以下なら既定値のまま。
func WithMaxBodyBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// New は新しいHTTPクライアントを生成する。timeoutが0以下ならDefaultTimeoutを使う。
func New(timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		httpClient:   &http.Client{},
		timeout:      timeout,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeout は1回の呼び出しのタイムアウトを返す。
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Request は送信するリクエスト。
type Request struct {
	// Method はHTTPメソッド。
	Method string
	// URL は送信先の完全なURL。
	URL string
	// Header は送信するヘッダー。
	Header http.Header
	// Body はリクエストボディ。nilなら送らない。
	Body []byte
}

// Response は受信したレスポンス。ボディは読み切った状態で保持する。
type Response struct {
	// StatusCode はHTTPステータスコード。
	StatusCode int
	// Header はレスポンスヘッダー。
	Header http.Header
	// Body はレスポンスボディ。
	Body []byte
}

// OK はステータスが2xxかどうかを返す。
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Do はリクエストを送信してレスポンスを返す。
// 非2xxでもエラーにはならない。通信に失敗した場合のみエラーを返す。
func (c *Client) Do(ctx context.Context, r Request) (*Response, error) {
	// 呼び出し元が切断しても下流の処理は打ち切らない
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	var bodyReader io.Reader
	if r.Body != nil {
		bodyReader = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	// コンテキストからユーザーIDを伝播する
	if userID, ok := ctx.Value(contextKeyUserID).(string); ok && req.Header.Get("X-User-ID") == "" {
		req.Header.Set("X-User-ID", userID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	// 上限を1バイト超えて読めたら打ち切る
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み込みに失敗: %w", err)
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, fmt.Errorf("%d バイトまで: %w", c.maxBodyBytes, ErrBodyTooLarge)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// PutJSON は指定URLにJSONボディでPUTリクエストを送信する。
func (c *Client) PutJSON(ctx context.Context, url string, header http.Header, body any) (*Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
	}

	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Type", "application/json")

	return c.Do(ctx, Request{Method: http.MethodPut, URL: url, Header: h, Body: jsonBody})
}

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyUserID はコンテキストにユーザーIDを格納するためのキー。
const contextKeyUserID contextKey = "user_id"

// WithUserID はコンテキストにユーザーIDを設定する。
// ヘッダーで明示されていない場合に X-User-ID として送信される。
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKeyUserID, userID)
}
