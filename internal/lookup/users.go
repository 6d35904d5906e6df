package lookup

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"notifyd/pkg/httpclient"
)

const DefaultUsersURL = "http://users-service:3000"

// UserDirectory asks the users service for display names.
type UserDirectory struct {
	client *httpclient.Client
}

func NewUserDirectory(baseURL string, timeout time.Duration, opts ...httpclient.Option) *UserDirectory {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultUsersURL
	}
	opts = append([]httpclient.Option{httpclient.WithTimeout(timeout)}, opts...)
	return &UserDirectory{client: httpclient.New(baseURL, opts...)}
}

type userInfo struct {
	Name string `json:"name"`
}

// DisplayName returns "" with a nil error when the user does not exist.
func (u *UserDirectory) DisplayName(ctx context.Context, userID string) (string, error) {
	var out userInfo
	err := u.client.GetJSON(ctx, "/internal/users/"+url.PathEscape(userID), &out)
	if httpclient.IsStatus(err, http.StatusNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Name), nil
}
