// Package alpaca drives devices over the ASCOM Alpaca REST protocol.
package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/signalsfoundry/autoscope/internal/device"
)

// Alpaca error numbers.
const (
	ErrNotImplemented     = 0x400
	ErrInvalidValue       = 0x401
	ErrValueNotSet        = 0x402
	ErrNotConnected       = 0x407
	ErrInvalidWhileParked = 0x408
	ErrInvalidWhileSlaved = 0x409
	ErrInvalidOperation   = 0x40B
	ErrActionNotImpl      = 0x40C
	ErrDriverBase         = 0x500
	ErrDriverMax          = 0xFFF
)

const maxBodyBytes = 1 << 20

// APIError is a non-zero ErrorNumber returned by a device.
type APIError struct {
	Number  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("alpaca error 0x%X: %s", e.Number, e.Message)
}

// Unwrap maps refusal codes onto device.ErrRejected so the controller never
// retries them. Not-connected and driver errors stay transient.
func (e *APIError) Unwrap() error {
	switch e.Number {
	case ErrNotImplemented, ErrInvalidValue, ErrInvalidWhileParked, ErrInvalidWhileSlaved,
		ErrInvalidOperation, ErrActionNotImpl:
		return device.ErrRejected
	}
	return nil
}

// HTTPError is a non-2xx HTTP status.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// Unwrap reports 400 (bad parameter) as a rejection; everything else is
// transient.
func (e *HTTPError) Unwrap() error {
	if e.StatusCode == http.StatusBadRequest {
		return device.ErrRejected
	}
	return nil
}

// Client talks to one Alpaca server.
type Client struct {
	baseURL  string
	http     *http.Client
	clientID uint32
	txn      atomic.Uint32
}

// NewClient returns a client for baseURL (for example
// http://localhost:11111). A nil hc uses a default client; per-call
// deadlines come from the request context.
func NewClient(baseURL string, clientID uint32, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     hc,
		clientID: clientID,
	}
}

type response struct {
	Value        json.RawMessage `json:"Value"`
	ErrorNumber  int             `json:"ErrorNumber"`
	ErrorMessage string          `json:"ErrorMessage"`
}

func (c *Client) endpoint(devType string, number int, method string) string {
	return fmt.Sprintf("%s/api/v1/%s/%d/%s", c.baseURL, devType, number, method)
}

func (c *Client) ids() url.Values {
	v := url.Values{}
	v.Set("ClientID", strconv.FormatUint(uint64(c.clientID), 10))
	v.Set("ClientTransactionID", strconv.FormatUint(uint64(c.txn.Add(1)), 10))
	return v
}

// get reads a property and decodes its Value into out.
func (c *Client) get(ctx context.Context, devType string, number int, method string, out any) error {
	u := c.endpoint(devType, number, method) + "?" + c.ids().Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// put invokes a method or sets a property.
func (c *Client) put(ctx context.Context, devType string, number int, method string, params url.Values) error {
	form := c.ids()
	for k, vs := range params {
		for _, v := range vs {
			form.Add(k, v)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint(devType, number, method), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if r.ErrorNumber != 0 {
		return &APIError{Number: r.ErrorNumber, Message: r.ErrorMessage}
	}
	if out == nil {
		return nil
	}
	if len(r.Value) == 0 {
		return errors.New("response has no Value")
	}
	if err := json.Unmarshal(r.Value, out); err != nil {
		return fmt.Errorf("decode Value: %w", err)
	}
	return nil
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func params(kv ...string) url.Values {
	v := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		v.Set(kv[i], kv[i+1])
	}
	return v
}
