package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"ledgerlink.org/internal/obs"
)

const (
	maxResponseBytes = 4 << 20
	errorSnippetLen  = 256
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate runs struct-tag validation on an outbound payload and reports
// failures as ErrValidation.
func Validate(id ID, op string, payload any) error {
	if err := validate.Struct(payload); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return Validation(id, op, errors.New(strings.Join(fields, "; ")))
		}
		return Validation(id, op, err)
	}
	return nil
}

// Client is the JSON-over-HTTP plumbing shared by adapters.
type Client struct {
	Provider ID
	BaseURL  string
	HTTP     *http.Client
}

// NewClient returns a Client with a bounded default timeout.
func NewClient(id ID, baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{Provider: id, BaseURL: strings.TrimRight(baseURL, "/"), HTTP: hc}
}

// Request describes one call.
type Request struct {
	Op     string
	Method string
	Path   string
	Query  url.Values
	Bearer Secret
	Header http.Header
	// JSON is encoded as the request body; Form is used instead when set.
	JSON any
	Form url.Values
}

// Do performs the request and decodes a successful JSON response into out
// (nil to discard). Failures are classified into the provider error taxonomy.
func (c *Client) Do(ctx context.Context, r Request, out any) error {
	endpoint := c.BaseURL + r.Path
	if len(r.Query) > 0 {
		endpoint += "?" + r.Query.Encode()
	}
	var body io.Reader
	contentType := ""
	switch {
	case r.Form != nil:
		body = strings.NewReader(r.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case r.JSON != nil:
		buf, err := json.Marshal(r.JSON)
		if err != nil {
			return Validation(c.Provider, r.Op, err)
		}
		body = bytes.NewReader(buf)
		contentType = "application/json"
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, endpoint, body)
	if err != nil {
		return Validation(c.Provider, r.Op, err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if !r.Bearer.IsEmpty() {
		req.Header.Set("Authorization", "Bearer "+r.Bearer.Reveal())
	}

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	obs.ObserveProviderCall(string(c.Provider), r.Op, time.Since(start))
	if err != nil {
		return Classify(c.Provider, r.Op, nil, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Classify(c.Provider, r.Op, nil, err)
	}
	if resp.StatusCode >= 400 {
		return StatusError(c.Provider, r.Op, resp.StatusCode, resp.Header.Get("Retry-After"), snippet(raw))
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Kind: ErrTransient, Provider: c.Provider, Op: r.Op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// snippet keeps error bodies short; provider error bodies may echo request data.
func snippet(raw []byte) error {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return nil
	}
	if len(s) > errorSnippetLen {
		n := errorSnippetLen
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n] + "..."
	}
	return errors.New(s)
}

// ParseAmount converts a provider decimal string ("150.00", "-12.5") into
// minor units for a currency with two decimal places.
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	minor := d.Shift(2)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("parse amount %q: more than 2 decimal places", s)
	}
	return minor.IntPart(), nil
}

// FormatAmount renders minor units as a two-decimal string.
func FormatAmount(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}
