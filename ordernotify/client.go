package ordernotify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"
)

const (
	ordersPath          = "/orders"
	contentTypeJSON     = "application/json"
	defaultOrderTimeout = 5 * time.Second
)

// ErrEmptyBaseURL is returned when an HTTPClient is created without a base URL.
var ErrEmptyBaseURL = errors.New("order service base url must not be empty")

type orderResponse struct {
	OK bool `json:"ok"`
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout bounds every request when ctx has no earlier deadline.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *HTTPClient) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithFastHTTPClient replaces the underlying fasthttp client.
func WithFastHTTPClient(client *fasthttp.Client) ClientOption {
	return func(c *HTTPClient) {
		if client != nil {
			c.client = client
		}
	}
}

// HTTPClient is an OrderService speaking JSON over HTTP: POST {base}/orders answers {"ok": bool}.
type HTTPClient struct {
	client  *fasthttp.Client
	url     string
	timeout time.Duration
}

var _ OrderService = (*HTTPClient)(nil)

// NewHTTPClient creates an HTTPClient for the order service at baseURL.
func NewHTTPClient(baseURL string, options ...ClientOption) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, ErrEmptyBaseURL
	}

	c := &HTTPClient{
		client: &fasthttp.Client{
			Name:                "cart-service",
			MaxConnsPerHost:     64,
			ReadTimeout:         defaultOrderTimeout,
			WriteTimeout:        defaultOrderTimeout,
			MaxIdleConnDuration: time.Minute,
		},
		url:     strings.TrimSuffix(baseURL, "/") + ordersPath,
		timeout: defaultOrderTimeout,
	}

	for _, option := range options {
		option(c)
	}

	return c, nil
}

// Order implements OrderService.
func (c *HTTPClient) Order(ctx context.Context, request OrderRequest) error {
	body, err := jsoniter.ConfigFastest.Marshal(request)
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType(contentTypeJSON)
	req.SetBody(body)

	if err = c.client.DoDeadline(req, resp, c.deadline(ctx)); err != nil {
		return errors.Join(ErrOrderServiceUnavailable, err)
	}

	if status := resp.StatusCode(); status < fasthttp.StatusOK || status >= fasthttp.StatusMultipleChoices {
		return fmt.Errorf("%w: status %d", ErrOrderServiceUnavailable, status)
	}

	var answer orderResponse
	if err = jsoniter.ConfigFastest.Unmarshal(resp.Body(), &answer); err != nil {
		return errors.Join(ErrOrderServiceUnavailable, err)
	}

	if !answer.OK {
		return fmt.Errorf("%w: cart %s", ErrOrderRejected, request.CartID)
	}

	return nil
}

func (c *HTTPClient) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.timeout)

	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}

	return deadline
}
