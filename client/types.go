package client

import "time"

const (
	// SecretKey is where the serialized AuthInfo lives in the secret store.
	SecretKey = "cline:clineAccountId"
	// legacySecretKey is removed whenever a refreshed credential is written.
	legacySecretKey = "clineAccountId"

	ProviderName = "cline"

	MaxRefreshRetries = 3
	RefreshRetryDelay = 30 * time.Second
	// RefreshWindow is how close to expiry a token must be before it is refreshed
	RefreshWindow = 5 * time.Minute
	// TransientGrace is the remaining validity under which a failed refresh is retried
	TransientGrace = 30 * time.Second

	isoMillis = "2006-01-02T15:04:05.000Z"
)

type UserInfo struct {
	ID            string   `json:"id"`
	Email         string   `json:"email"`
	DisplayName   string   `json:"displayName"`
	CreatedAt     string   `json:"createdAt"`
	Organizations []string `json:"organizations"`
}

// AuthInfo is the credential persisted between runs.
type AuthInfo struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	// ExpiresAt is in unix seconds; older writers stored fractional values
	ExpiresAt float64  `json:"expiresAt"`
	UserInfo  UserInfo `json:"userInfo"`
	Provider  string   `json:"provider"`
	// StartedAt is the unix millisecond time of the original sign-in
	StartedAt int64 `json:"startedAt,omitempty"`
}

func (a *AuthInfo) ExpiresAtTime() time.Time {
	sec := int64(a.ExpiresAt)
	nsec := int64((a.ExpiresAt - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// AuthRequestOptions are the PKCE values appended to a login URL.
type AuthRequestOptions struct {
	State         string
	CodeChallenge string
}

// SignInRequest carries what the browser handed back to the callback.
type SignInRequest struct {
	// Code is either a proxy one-time code or, from the direct login page, an access token
	Code         string
	CodeVerifier string
	RedirectURI  string
	RefreshToken string
}

// tokenExchangeResponse is the proxy's /v1/auth/token success body.
type tokenExchangeResponse struct {
	Success bool `json:"success"`
	Data    struct {
		AccessToken  string  `json:"accessToken"`
		RefreshToken *string `json:"refreshToken"`
		TokenType    string  `json:"tokenType"`
		ExpiresAt    string  `json:"expiresAt"`
		UserInfo     struct {
			Subject     *string  `json:"subject"`
			Email       string   `json:"email"`
			Name        string   `json:"name"`
			ClineUserID string   `json:"clineUserId"`
			Accounts    []string `json:"accounts"`
		} `json:"userInfo"`
	} `json:"data"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.Unix())
}

func unixMillis(t time.Time) int64 {
	return t.UnixMilli()
}
