package oauthclient

import (
	"fmt"

	apperrors "github.com/alexjbarnes/authkeep/internal/errors"
	"github.com/tidwall/gjson"
)

// TokenResponse is a token endpoint reply. Exactly one shape is filled:
// the success fields, or the error fields when IsError is true.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	Scope        string

	Error            string
	ErrorDescription string
	ErrorURI         string
}

// IsError reports whether the server answered with an OAuth error.
func (t *TokenResponse) IsError() bool {
	return t.Error != ""
}

// ParseTokenResponse decodes a token endpoint body. The error shape is
// checked first, so a body carrying "error" never yields an access
// token. A body that is not JSON, or a success body without
// access_token, is ErrUnexpectedResponse.
func ParseTokenResponse(body []byte) (*TokenResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: body is not JSON", apperrors.ErrUnexpectedResponse)
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: body is not a JSON object", apperrors.ErrUnexpectedResponse)
	}

	if e := root.Get("error"); e.Exists() && e.String() != "" {
		return &TokenResponse{
			Error:            e.String(),
			ErrorDescription: root.Get("error_description").String(),
			ErrorURI:         root.Get("error_uri").String(),
		}, nil
	}

	access := root.Get("access_token")
	if access.Type != gjson.String || access.String() == "" {
		return nil, fmt.Errorf("%w: missing access_token", apperrors.ErrUnexpectedResponse)
	}

	tr := &TokenResponse{
		AccessToken:  access.String(),
		TokenType:    root.Get("token_type").String(),
		ExpiresIn:    root.Get("expires_in").Int(),
		RefreshToken: root.Get("refresh_token").String(),
		Scope:        root.Get("scope").String(),
	}

	if tr.TokenType == "" {
		tr.TokenType = "Bearer"
	}

	return tr, nil
}
