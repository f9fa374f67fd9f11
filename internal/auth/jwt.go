package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/punchamoorthee/walletcore/internal/clock"
	"github.com/punchamoorthee/walletcore/internal/domain"
)

type contextKey string

const actorContextKey contextKey = "actor"

// Claims carried by user bearer tokens. Subject is the owner id.
type Claims struct {
	KYCLevel int  `json:"kyc_level"`
	Merchant bool `json:"merchant,omitempty"`
	jwt.RegisteredClaims
}

type JWTVerifier struct {
	secret []byte
	clock  clock.Clock
}

func NewJWTVerifier(secret string, clk clock.Clock) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), clock: clk}
}

func (v *JWTVerifier) ParseActor(tokenString string) (domain.Actor, error) {
	var claims Claims
	tok, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(5*time.Second),
		jwt.WithTimeFunc(v.clock.Now),
	)
	if err != nil || !tok.Valid {
		return domain.Actor{}, domain.Errorf(domain.CodeUnauthorized, "invalid token")
	}
	if claims.Subject == "" {
		return domain.Actor{}, domain.Errorf(domain.CodeUnauthorized, "missing subject")
	}
	if claims.KYCLevel < 0 {
		return domain.Actor{}, domain.Errorf(domain.CodeUnauthorized, "invalid kyc_level")
	}
	return domain.Actor{ID: claims.Subject, KYCLevel: claims.KYCLevel, Merchant: claims.Merchant}, nil
}

// IssueToken signs an HS256 token for actor valid for ttl from now.
func IssueToken(secret string, actor domain.Actor, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		KYCLevel: actor.KYCLevel,
		Merchant: actor.Merchant,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	v, ok := ctx.Value(actorContextKey).(domain.Actor)
	return v, ok
}

// HTTPJWTMiddleware authenticates bearer tokens and stores the actor in the
// request context. Failures go to onError.
func HTTPJWTMiddleware(verifier *JWTVerifier, onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				onError(w, r, domain.Errorf(domain.CodeUnauthorized, "missing bearer token"))
				return
			}
			actor, err := verifier.ParseActor(strings.TrimPrefix(h, "Bearer "))
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}
