package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/example/ridesync/internal/ride/domain"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carries the session context of a rider: the subject is the user id.
type Claims struct {
	Capability  string `json:"capability,omitempty"`
	Institution string `json:"institution,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HMAC signed tokens and turns them into actors.
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Parse validates token and returns the actor it was issued for.
func (v *Verifier) Parse(token string) (domain.Actor, error) {
	if token == "" {
		return domain.Actor{}, ErrMissingToken
	}
	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return domain.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return actorFromClaims(claims, token)
}

// Inspect reads the actor from token without checking its signature. Clients use it to learn
// who they are from the token they were handed; servers must use Parse.
func Inspect(token string) (domain.Actor, error) {
	if token == "" {
		return domain.Actor{}, ErrMissingToken
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return domain.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return actorFromClaims(claims, token)
}

func actorFromClaims(claims *Claims, token string) (domain.Actor, error) {
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("%w: subject is not a user id", ErrInvalidToken)
	}
	capability := domain.DriverCapability(claims.Capability)
	switch capability {
	case domain.CapabilityNone, domain.CapabilityApproved, domain.CapabilitySelfRegistered:
	default:
		return domain.Actor{}, fmt.Errorf("%w: unknown capability %q", ErrInvalidToken, claims.Capability)
	}
	return domain.Actor{UserID: userID, Capability: capability, Institution: claims.Institution, Token: token}, nil
}

// Authenticate reads the bearer token of r. Browsers cannot set headers on a websocket
// upgrade, so the token query parameter is accepted as well.
func (v *Verifier) Authenticate(r *http.Request) (domain.Actor, error) {
	token := tokenFromHeader(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return v.Parse(token)
}

// Middleware rejects requests without a valid token and stores the actor in the context.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := v.Authenticate(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// RequireDriver only lets actors with driver capability through.
func RequireDriver(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		if !ok || !actor.CanDrive() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext retrieves the actor stored by Middleware.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(domain.Actor)
	return actor, ok
}

type actorKey struct{}

// Issuer signs tokens. The ride service only verifies; issuing is used by tooling and tests.
type Issuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewIssuer(secret, issuer string) *Issuer {
	return &Issuer{secret: []byte(secret), issuer: issuer, now: time.Now}
}

func (i *Issuer) Issue(actor domain.Actor, ttl time.Duration) (string, error) {
	now := i.now()
	claims := Claims{
		Capability:  string(actor.Capability),
		Institution: actor.Institution,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID.String(),
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func tokenFromHeader(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
