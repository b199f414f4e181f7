package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// OAuth endpoints and client registration for the first-party CLI.
const (
	AuthURL        = "https://claude.ai/oauth/authorize"
	AuthURLConsole = "https://console.anthropic.com/oauth/authorize"
	TokenURL       = "https://console.anthropic.com/v1/oauth/token"
	ClientID       = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	RedirectURI    = "https://console.anthropic.com/oauth/code/callback"
	Scopes         = "org:create_api_key user:profile user:inference"
)

// tokenResponse is the wire shape of the OAuth token endpoint.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Account      struct {
		UUID         string `json:"uuid"`
		EmailAddress string `json:"email_address"`
	} `json:"account"`
}

// OAuthClient talks to the Anthropic OAuth endpoints. The token endpoint
// takes JSON bodies rather than form encoding, so the exchange is hand-rolled
// on net/http.
type OAuthClient struct {
	httpClient *http.Client
	tokenURL   string
}

// NewOAuthClient builds a client with the browser-fingerprint transport.
func NewOAuthClient(proxyURL string) *OAuthClient {
	return &OAuthClient{
		httpClient: NewOAuthHTTPClient(proxyURL),
		tokenURL:   TokenURL,
	}
}

// NewOAuthClientWithEndpoint is the test hook for pointing the client at a
// local httptest server.
func NewOAuthClientWithEndpoint(tokenURL string) *OAuthClient {
	return &OAuthClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokenURL:   tokenURL,
	}
}

// AuthorizeURL assembles the PKCE authorization URL. When console is set the
// console.anthropic.com host is used instead of claude.ai; both pages serve
// the same flow.
func (o *OAuthClient) AuthorizeURL(state string, pkce *PKCECodes, console bool) (string, error) {
	if pkce == nil {
		return "", fmt.Errorf("auth: PKCE codes are required")
	}
	params := url.Values{
		"code":                  {"true"},
		"client_id":             {ClientID},
		"response_type":         {"code"},
		"redirect_uri":          {RedirectURI},
		"scope":                 {Scopes},
		"code_challenge":        {pkce.CodeChallenge},
		"code_challenge_method": {"S256"},
		"state":                 {state},
	}
	base := AuthURL
	if console {
		base = AuthURLConsole
	}
	return fmt.Sprintf("%s?%s", base, params.Encode()), nil
}

// parseCodeAndState splits the "code#state" string the callback page shows
// the user.
func parseCodeAndState(code string) (parsedCode, parsedState string) {
	splits := strings.Split(code, "#")
	parsedCode = splits[0]
	if len(splits) > 1 {
		parsedState = splits[1]
	}
	return
}

// ExchangeCode trades an authorization code for the credential triple.
func (o *OAuthClient) ExchangeCode(ctx context.Context, code, state string, pkce *PKCECodes) (*TokenRecord, error) {
	if pkce == nil {
		return nil, fmt.Errorf("auth: PKCE codes are required for token exchange")
	}
	newCode, newState := parseCodeAndState(code)
	if newState != "" {
		state = newState
	}

	reqBody := map[string]any{
		"code":          newCode,
		"state":         state,
		"grant_type":    "authorization_code",
		"client_id":     ClientID,
		"redirect_uri":  RedirectURI,
		"code_verifier": pkce.CodeVerifier,
	}
	tokenResp, err := o.postToken(ctx, reqBody)
	if err != nil {
		return nil, err
	}
	return recordFromResponse(tokenResp), nil
}

// Refresh trades a refresh token for a new credential triple.
func (o *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*TokenRecord, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("auth: refresh token is required")
	}
	reqBody := map[string]any{
		"client_id":     ClientID,
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	}
	tokenResp, err := o.postToken(ctx, reqBody)
	if err != nil {
		return nil, err
	}
	return recordFromResponse(tokenResp), nil
}

func (o *OAuthClient) postToken(ctx context.Context, reqBody map[string]any) (*tokenResponse, error) {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("auth: marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.tokenURL, strings.NewReader(string(jsonBody)))
	if err != nil {
		return nil, fmt.Errorf("auth: create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: token request failed: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("failed to close token response body: %v", errClose)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("auth: read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp tokenResponse
	if err = json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("auth: parse token response: %w", err)
	}
	return &tokenResp, nil
}

func recordFromResponse(tokenResp *tokenResponse) *TokenRecord {
	now := time.Now()
	return &TokenRecord{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		Email:        tokenResp.Account.EmailAddress,
		Expire:       now.Add(time.Duration(tokenResp.ExpiresIn) * time.Second).Format(time.RFC3339),
		LastRefresh:  now.Format(time.RFC3339),
	}
}
