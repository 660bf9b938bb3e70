package warp

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/swimgo/warp/recon"
)

// auth credentials carrying a bearer jwt.
// the token is verified by the host. the client only reads the claims to fail fast on expiry.
type JwtCredentials struct {
	Token     string
	Subject   string
	ExpiresAt time.Time
}

// ParseJwtCredentialsUnverified reads the claims of the token without checking the signature.
// An expired token fails with `ErrCredentialsExpired`.
func ParseJwtCredentialsUnverified(token string) (*JwtCredentials, error) {
	parser := gojwt.NewParser()
	jwtToken, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := jwtToken.Claims.(gojwt.MapClaims)

	credentials := &JwtCredentials{
		Token: token,
	}

	if subject, err := claims.GetSubject(); err == nil {
		credentials.Subject = subject
	}
	expiresAt, err := claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("bad exp claim: %w", err)
	}
	if expiresAt != nil {
		credentials.ExpiresAt = expiresAt.Time
		if !credentials.ExpiresAt.After(time.Now()) {
			return nil, fmt.Errorf("%w: %s", ErrCredentialsExpired, credentials.ExpiresAt.Format(time.RFC3339))
		}
	}

	return credentials, nil
}

// the auth body, `{jwt:"..."}`
func (self *JwtCredentials) Value() recon.Value {
	return recon.NewRecord(
		recon.Slot{Key: recon.Text("jwt"), Value: recon.Text(self.Token)},
	)
}
