package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/mcpflow/types"
)

func TestStaticChecker(t *testing.T) {
	t.Parallel()

	checker := StaticChecker{Grants: map[string][]string{
		"alice": {"vision.*", "audio.transcribe"},
		"admin": {"*"},
	}}
	ctx := context.Background()

	cases := []struct {
		user, task string
		allowed    bool
	}{
		{"alice", "vision.classify", true},
		{"alice", "vision.detect.objects", true},
		{"alice", "audio.transcribe", true},
		{"alice", "audio.synthesize", false},
		{"alice", "visionary.hack", false}, // prefix match is namespace-aware
		{"admin", "anything.at_all", true},
		{"mallory", "vision.classify", false},
	}
	for _, tc := range cases {
		err := checker.Allowed(ctx, types.MessageContext{UserID: tc.user}, tc.task)
		if tc.allowed {
			assert.NoError(t, err, "%s / %s", tc.user, tc.task)
		} else {
			assert.Equal(t, types.ErrPermissionDenied, types.GetErrorCode(err), "%s / %s", tc.user, tc.task)
		}
	}
}

func signToken(t *testing.T, secret []byte, claims jwtClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return tok
}

func TestJWTChecker(t *testing.T) {
	t.Parallel()

	secret := []byte("test-secret")
	checker := JWTChecker{Secret: secret, Issuer: "mcpflow"}
	ctx := context.Background()

	valid := signToken(t, secret, jwtClaims{
		TaskPrefixes: []string{"vision.*"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "mcpflow",
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	mc := types.MessageContext{UserID: "alice"}.WithAttribute(authorizationAttr, "Bearer "+valid)
	assert.NoError(t, checker.Allowed(ctx, mc, "vision.classify"))
	assert.Equal(t, types.ErrPermissionDenied,
		types.GetErrorCode(checker.Allowed(ctx, mc, "audio.transcribe")),
		"token does not grant audio")

	t.Run("missing token", func(t *testing.T) {
		err := checker.Allowed(ctx, types.MessageContext{UserID: "alice"}, "vision.classify")
		assert.Equal(t, types.ErrPermissionDenied, types.GetErrorCode(err))
	})

	t.Run("wrong secret", func(t *testing.T) {
		forged := signToken(t, []byte("other-secret"), jwtClaims{
			TaskPrefixes:     []string{"vision.*"},
			RegisteredClaims: jwt.RegisteredClaims{Issuer: "mcpflow"},
		})
		mc := types.MessageContext{}.WithAttribute(authorizationAttr, "Bearer "+forged)
		assert.Equal(t, types.ErrPermissionDenied, types.GetErrorCode(checker.Allowed(ctx, mc, "vision.classify")))
	})

	t.Run("expired token", func(t *testing.T) {
		stale := signToken(t, secret, jwtClaims{
			TaskPrefixes: []string{"vision.*"},
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "mcpflow",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
		})
		mc := types.MessageContext{}.WithAttribute(authorizationAttr, "Bearer "+stale)
		assert.Equal(t, types.ErrPermissionDenied, types.GetErrorCode(checker.Allowed(ctx, mc, "vision.classify")))
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := signToken(t, secret, jwtClaims{
			TaskPrefixes:     []string{"vision.*"},
			RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"},
		})
		mc := types.MessageContext{}.WithAttribute(authorizationAttr, "Bearer "+other)
		assert.Equal(t, types.ErrPermissionDenied, types.GetErrorCode(checker.Allowed(ctx, mc, "vision.classify")))
	})
}

func TestAggregate(t *testing.T) {
	t.Parallel()

	completed := func(result string, cost float64) types.TaskResponse {
		return types.TaskResponse{
			Status:  types.TaskCompleted,
			Result:  []byte(result),
			Metrics: types.TaskMetrics{CostUnits: cost, Duration: 10 * time.Millisecond},
		}
	}
	failed := types.TaskResponse{
		Status:       types.TaskFailed,
		ErrorCode:    types.ErrTimeout,
		ErrorMessage: "worker deadline elapsed",
		Metrics:      types.TaskMetrics{CostUnits: 1},
	}

	t.Run("all succeed merges results and sums cost", func(t *testing.T) {
		out := Aggregate(AllSucceed, []SubResult{
			{Label: "ocr", Response: completed(`{"text":"hi"}`, 2)},
			{Label: "tags", Response: completed(`["cat"]`, 3)},
		})
		require.Equal(t, types.TaskCompleted, out.Status)
		assert.Equal(t, 5.0, out.Metrics.CostUnits)
		assert.JSONEq(t, `{"results":{"ocr":{"text":"hi"},"tags":["cat"]}}`, string(out.Result))
	})

	t.Run("all_succeed fails on first failure", func(t *testing.T) {
		out := Aggregate(AllSucceed, []SubResult{
			{Label: "ocr", Response: completed(`{}`, 2)},
			{Label: "tags", Response: failed},
		})
		require.Equal(t, types.TaskFailed, out.Status)
		assert.Equal(t, types.ErrTimeout, out.ErrorCode)
		assert.Contains(t, out.ErrorMessage, "tags")
	})

	t.Run("best_effort keeps partial results", func(t *testing.T) {
		out := Aggregate(BestEffort, []SubResult{
			{Label: "ocr", Response: completed(`{}`, 2)},
			{Label: "tags", Response: failed},
		})
		require.Equal(t, types.TaskCompleted, out.Status)
		assert.JSONEq(t, `{"results":{"ocr":{}},"failures":{"tags":"TIMEOUT"}}`, string(out.Result))
	})

	t.Run("best_effort with zero successes fails", func(t *testing.T) {
		out := Aggregate(BestEffort, []SubResult{{Label: "tags", Response: failed}})
		assert.Equal(t, types.TaskFailed, out.Status)
	})
}
