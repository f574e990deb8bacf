package proxy

import "time"

// isoMillis matches the UTC millisecond timestamps the desktop client expects.
const isoMillis = "2006-01-02T15:04:05.000Z"

type AuthorizeRequest struct {
	RedirectURI   string
	State         string
	CodeChallenge string
}

type SubmitCodeRequest struct {
	State        string `json:"state"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

type TokenRequest struct {
	Code         string `json:"code"`
	CodeVerifier string `json:"code_verifier"`
	RedirectURI  string `json:"redirect_uri"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// TokenUserInfo is the user block of a token or refresh response.
type TokenUserInfo struct {
	Subject     *string  `json:"subject"`
	Email       string   `json:"email"`
	Name        string   `json:"name"`
	ClineUserID string   `json:"clineUserId"`
	Accounts    []string `json:"accounts"`
}

// TokenResult is the data block of a successful exchange or refresh.
type TokenResult struct {
	AccessToken  string        `json:"accessToken"`
	RefreshToken *string       `json:"refreshToken"`
	TokenType    string        `json:"tokenType"`
	ExpiresAt    string        `json:"expiresAt"`
	UserInfo     TokenUserInfo `json:"userInfo"`
}

// Me is the normalised record returned by the whoami endpoint.
type Me struct {
	ID            string   `json:"id"`
	Email         string   `json:"email"`
	DisplayName   string   `json:"displayName"`
	CreatedAt     string   `json:"createdAt"`
	Organizations []string `json:"organizations"`
}

func formatExpiry(t time.Time) string {
	return t.UTC().Format(isoMillis)
}
