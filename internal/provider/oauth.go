package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// OAuth is a minimal authorization-code client used by OAuth-based adapters.
type OAuth struct {
	Provider     ID
	ClientID     string
	ClientSecret Secret
	AuthURL      string
	Scopes       []string
	// Extra is appended to the authorization URL (provider-specific knobs).
	Extra url.Values

	Token *Client
	Now   func() time.Time
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// AuthCodeURL builds the URL the end user is redirected to.
func (o *OAuth) AuthCodeURL(redirectURL, state string) (string, error) {
	if o.ClientID == "" {
		return "", fmt.Errorf("%s: client id not configured", o.Provider)
	}
	if redirectURL == "" {
		return "", Validation(o.Provider, "authorize", errors.New("redirect url required"))
	}
	params := url.Values{
		"response_type": {"code"},
		"client_id":     {o.ClientID},
		"redirect_uri":  {redirectURL},
		"state":         {state},
		"scope":         {strings.Join(o.Scopes, " ")},
	}
	for k, vs := range o.Extra {
		params[k] = vs
	}
	sep := "?"
	if strings.Contains(o.AuthURL, "?") {
		sep = "&"
	}
	return o.AuthURL + sep + params.Encode(), nil
}

// Exchange swaps an authorization code for tokens and activates cred.
func (o *OAuth) Exchange(ctx context.Context, cred Credential, params map[string]string) (Credential, error) {
	if state := params["state"]; state != cred.ConsentID {
		return Credential{}, Validation(o.Provider, "exchange", errors.New("state mismatch"))
	}
	code := params["code"]
	if code == "" {
		if e := params["error"]; e != "" {
			return Credential{}, AuthExpired(o.Provider, "exchange", fmt.Errorf("authorization denied: %s", e))
		}
		return Credential{}, Validation(o.Provider, "exchange", errors.New("authorization code required"))
	}
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {o.ClientID},
		"client_secret": {o.ClientSecret.Reveal()},
		"code":          {code},
		"redirect_uri":  {params["redirect_uri"]},
	}
	return o.token(ctx, "exchange", cred, form)
}

// Refresh uses the refresh token. A rejected refresh token is reported as
// ErrAuthExpired so the caller asks the user to reconnect.
func (o *OAuth) Refresh(ctx context.Context, cred Credential) (Credential, error) {
	if cred.RefreshToken.IsEmpty() {
		return Credential{}, AuthExpired(o.Provider, "refresh", errors.New("no refresh token"))
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {o.ClientID},
		"client_secret": {o.ClientSecret.Reveal()},
		"refresh_token": {cred.RefreshToken.Reveal()},
	}
	out, err := o.token(ctx, "refresh", cred, form)
	if errors.Is(err, ErrValidation) {
		// invalid_grant comes back as 400
		return Credential{}, AuthExpired(o.Provider, "refresh", err)
	}
	return out, err
}

func (o *OAuth) token(ctx context.Context, op string, cred Credential, form url.Values) (Credential, error) {
	var tr tokenResponse
	if err := o.Token.Do(ctx, Request{Op: op, Method: http.MethodPost, Path: "", Form: form}, &tr); err != nil {
		return Credential{}, err
	}
	if tr.AccessToken == "" {
		return Credential{}, &Error{Kind: ErrTransient, Provider: o.Provider, Op: op, Err: errors.New("empty access token")}
	}
	now := o.now()
	out := cred.Clone()
	out.AccessToken = Secret(tr.AccessToken)
	if tr.RefreshToken != "" {
		out.RefreshToken = Secret(tr.RefreshToken)
	}
	out.ExpiresAt = ExpiresIn(now, tr.ExpiresIn)
	out.State = StateActive
	out.UpdatedAt = now
	return out, nil
}

func (o *OAuth) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}
