package backend

import (
	"context"
	"errors"
	"net/http"
)

// Profile is the wire shape of GET /user/profile.
type Profile struct {
	UserID              int64  `json:"userId" validate:"required,gt=0"`
	FullName            string `json:"fullName"`
	PreferredClientID   int64  `json:"preferredClientId" validate:"gte=0"`
	PreferredCompanyID  int64  `json:"preferredCompanyId" validate:"gte=0"`
	PreferredTimezoneID int64  `json:"preferredTimezoneId" validate:"gte=0"`
	TimeZoneName        string `json:"timeZoneName"`
}

// FetchProfile calls GET /user/profile for the bearer of accessToken.
func (c *Client) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	const path = "/user/profile"
	var profile Profile
	if err := c.do(ctx, http.MethodGet, path, nil, accessToken, nil, &profile); err != nil {
		return nil, err
	}
	if err := c.validateStruct(path, profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

type preferredClientRequest struct {
	ClientID int64 `json:"clientId"`
}

// UpdatePreferredClient calls PUT /user/preferred-client.
func (c *Client) UpdatePreferredClient(ctx context.Context, accessToken string, clientID int64) error {
	if clientID <= 0 {
		return errors.New("backend: client id must be positive")
	}
	return c.do(ctx, http.MethodPut, "/user/preferred-client", nil, accessToken, preferredClientRequest{ClientID: clientID}, nil)
}
