package security

import (
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"IMSync/tools/errs"
)

// Options controls signing and TTL parameters.
type Options struct {
	Secret []byte        // HMAC key
	Alg    string        // HS256/HS384/HS512 (default HS256)
	TTL    time.Duration // token validity (default 2h)
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

// Identity is what a verified token asserts about the caller. The gateway
// builds the session context from it.
type Identity struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// Generate signs a token carrying the user identity.
func Generate(opts Options, ident Identity) (token string, expireAt time.Time, err error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	now := time.Now()
	exp := now.Add(opts.TTL)

	claims := jwtlib.MapClaims{
		"sub": ident.UserID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
	}
	if ident.DisplayName != "" {
		claims["name"] = ident.DisplayName
	}
	if ident.AvatarURL != "" {
		claims["avatar"] = ident.AvatarURL
	}

	tok := jwtlib.NewWithClaims(method, claims)
	signed, err := tok.SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify parses and validates the token and extracts the identity.
func Verify(opts Options, token string) (*Identity, error) {
	if _, err := signingMethod(opts.Alg); err != nil {
		return nil, err
	}
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		// HMAC family only
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return opts.Secret, nil
	})
	if err != nil {
		if strings.Contains(err.Error(), "expired") {
			return nil, errs.ErrTokenExpired.WrapMsg(err.Error())
		}
		return nil, errs.ErrTokenMalformed.WrapMsg(err.Error())
	}
	if !parsed.Valid {
		return nil, errs.ErrTokenMalformed.WrapMsg("invalid token")
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, errs.ErrTokenMalformed.WrapMsg("claims type mismatch")
	}

	ident := &Identity{}
	if sub, ok := claims["sub"].(string); ok {
		ident.UserID = sub
	}
	if ident.UserID == "" {
		return nil, errs.ErrTokenMalformed.WrapMsg("missing sub claim")
	}
	if name, ok := claims["name"].(string); ok {
		ident.DisplayName = name
	}
	if avatar, ok := claims["avatar"].(string); ok {
		ident.AvatarURL = avatar
	}
	return ident, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
