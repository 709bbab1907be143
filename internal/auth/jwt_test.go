package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/ridesync/internal/auth"
	"github.com/example/ridesync/internal/ride/domain"
)

const secret = "test-secret"

func TestIssueAndParseRoundTripsActor(t *testing.T) {
	actor := domain.Actor{UserID: uuid.New(), Capability: domain.CapabilitySelfRegistered, Institution: "IISc"}
	token, err := auth.NewIssuer(secret, "ridesync").Issue(actor, time.Minute)
	require.NoError(t, err)

	got, err := auth.NewVerifier(secret, "ridesync").Parse(token)
	require.NoError(t, err)
	require.Equal(t, actor.UserID, got.UserID)
	require.Equal(t, actor.Capability, got.Capability)
	require.Equal(t, "IISc", got.Institution)
	require.Equal(t, token, got.Token)
	require.True(t, got.CanDrive())
}

func TestParseRejectsBadTokens(t *testing.T) {
	actor := domain.Actor{UserID: uuid.New()}
	verifier := auth.NewVerifier(secret, "ridesync")

	_, err := verifier.Parse("")
	require.ErrorIs(t, err, auth.ErrMissingToken)

	wrongKey, err := auth.NewIssuer("other", "ridesync").Issue(actor, time.Minute)
	require.NoError(t, err)
	_, err = verifier.Parse(wrongKey)
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	expired, err := auth.NewIssuer(secret, "ridesync").Issue(actor, -time.Minute)
	require.NoError(t, err)
	_, err = verifier.Parse(expired)
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	otherIssuer, err := auth.NewIssuer(secret, "elsewhere").Issue(actor, time.Minute)
	require.NoError(t, err)
	_, err = verifier.Parse(otherIssuer)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestMiddlewareInjectsActor(t *testing.T) {
	actor := domain.Actor{UserID: uuid.New(), Capability: domain.CapabilityApproved}
	token, err := auth.NewIssuer(secret, "").Issue(actor, time.Minute)
	require.NoError(t, err)

	var seen domain.Actor
	h := auth.Middleware(auth.NewVerifier(secret, ""))(auth.RequireDriver(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.ActorFromContext(r.Context())
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, actor.UserID, seen.UserID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rider, err := auth.NewIssuer(secret, "").Issue(domain.Actor{UserID: uuid.New()}, time.Minute)
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?token="+rider, nil))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestInspectSkipsSignature(t *testing.T) {
	actor := domain.Actor{UserID: uuid.New(), Capability: domain.CapabilityApproved}
	token, err := auth.NewIssuer("someone-elses-key", "").Issue(actor, time.Minute)
	require.NoError(t, err)

	got, err := auth.Inspect(token)
	require.NoError(t, err)
	require.Equal(t, actor.UserID, got.UserID)
	require.True(t, got.CanDrive())

	_, err = auth.Inspect("garbage")
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}
