package supervisor

import (
	"context"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/BaSui01/mcpflow/types"
)

// CapabilityChecker decides whether the calling context may submit a task
// type. Denials surface as PERMISSION_DENIED task errors before any
// budget is reserved.
type CapabilityChecker interface {
	Allowed(ctx context.Context, mc types.MessageContext, taskType string) error
}

// AllowAll permits every caller. The default for single-tenant setups.
type AllowAll struct{}

// Allowed implements CapabilityChecker.
func (AllowAll) Allowed(context.Context, types.MessageContext, string) error { return nil }

// StaticChecker grants task-type prefixes per user id from a fixed table.
// A prefix is an exact task type, a namespace wildcard ("vision.*"), or
// "*" for everything. Users absent from the table are denied.
type StaticChecker struct {
	Grants map[string][]string
}

// Allowed implements CapabilityChecker.
func (c StaticChecker) Allowed(_ context.Context, mc types.MessageContext, taskType string) error {
	if prefixesAllow(c.Grants[mc.UserID], taskType) {
		return nil
	}
	return types.NewError(types.ErrPermissionDenied,
		"user "+mc.UserID+" not permitted for task type "+taskType)
}

// authorizationAttr is the message-context attribute carrying the bearer
// token for JWT-checked deployments.
const authorizationAttr = "authorization"

// jwtClaims is the expected token shape: standard registered claims plus
// the granted task prefixes.
type jwtClaims struct {
	TaskPrefixes []string `json:"task_prefixes"`
	jwt.RegisteredClaims
}

// JWTChecker validates an HS256 bearer token from the message context and
// authorizes against its task_prefixes claim.
type JWTChecker struct {
	Secret []byte
	// Issuer, when set, must match the token's iss claim.
	Issuer string
}

// Allowed implements CapabilityChecker.
func (c JWTChecker) Allowed(_ context.Context, mc types.MessageContext, taskType string) error {
	raw := strings.TrimPrefix(mc.Attribute(authorizationAttr), "Bearer ")
	if raw == "" {
		return types.NewError(types.ErrPermissionDenied, "missing bearer token")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if c.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.Issuer))
	}
	var claims jwtClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return c.Secret, nil
	}, opts...)
	if err != nil {
		return types.NewError(types.ErrPermissionDenied, "invalid bearer token").WithCause(err)
	}

	if !prefixesAllow(claims.TaskPrefixes, taskType) {
		return types.NewError(types.ErrPermissionDenied,
			"token does not grant task type "+taskType)
	}
	return nil
}

// prefixesAllow reports whether any grant covers taskType.
func prefixesAllow(grants []string, taskType string) bool {
	for _, g := range grants {
		if g == "*" || g == taskType {
			return true
		}
		if stem, ok := strings.CutSuffix(g, ".*"); ok {
			if taskType == stem || strings.HasPrefix(taskType, stem+".") {
				return true
			}
		}
	}
	return false
}
