package escalation

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/clearhold-labs/clearhold/core/pkg/contracts"
)

// decisionClaims is the JWT projection of an EscalationDecision, used to
// hand approvals to external tooling. The embedded artifact keeps its own
// Ed25519 signature; the JWT wrapper only provides transport integrity.
type decisionClaims struct {
	Decision *contracts.EscalationDecision `json:"decision"`
	jwt.RegisteredClaims
}

// EncodeDecisionToken wraps a signed decision in an EdDSA JWT.
func EncodeDecisionToken(d *contracts.EscalationDecision, priv ed25519.PrivateKey, issuer string) (string, error) {
	if d.Signature == "" {
		return "", fmt.Errorf("escalation: refusing to tokenize unsigned decision %s", d.DecisionID)
	}
	claims := decisionClaims{
		Decision: d,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  d.ActionID,
			ID:       d.DecisionID,
			IssuedAt: jwt.NewNumericDate(d.DecidedAt),
		},
	}
	if d.ExpiresAt != nil {
		claims.ExpiresAt = jwt.NewNumericDate(*d.ExpiresAt)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("escalation: token signing failed: %w", err)
	}
	return signed, nil
}

// DecodeDecisionToken validates the JWT and returns the embedded decision.
// Expired tokens are rejected here; the enforcer re-checks the decision's
// own expiry against its clock regardless.
func DecodeDecisionToken(tokenString string, pub ed25519.PublicKey) (*contracts.EscalationDecision, error) {
	var claims decisionClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return pub, nil
	}, jwt.WithValidMethods([]string{"EdDSA"}), jwt.WithLeeway(30*time.Second))
	if err != nil {
		return nil, fmt.Errorf("escalation: token parse failed: %w", err)
	}
	if !token.Valid || claims.Decision == nil {
		return nil, fmt.Errorf("escalation: invalid decision token")
	}
	return claims.Decision, nil
}
