package upload

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lumizhao/sparkchat/internal/store/redisstore"
)

// AuthParams are the client-side upload credentials in the shape the image
// CDN expects: an opaque token, a unix expiry, and an HMAC-SHA1 signature
// over token+expire computed with the private key.
type AuthParams struct {
	Token     string `json:"token"`
	Expire    int64  `json:"expire"`
	Signature string `json:"signature"`
}

// Signer issues one-time signed upload parameters. The private key never
// leaves the server; the browser uploads directly to the CDN with the
// returned triple.
type Signer struct {
	Endpoint   string
	PublicKey  string
	privateKey string

	tokens *redisstore.Store
	ttl    time.Duration
}

// NewSigner builds a signer. tokens may be nil, in which case issued tokens
// are not tracked and Redeem always reports false.
func NewSigner(endpoint, publicKey, privateKey string, tokens *redisstore.Store, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Signer{
		Endpoint:   endpoint,
		PublicKey:  publicKey,
		privateKey: privateKey,
		tokens:     tokens,
		ttl:        ttl,
	}
}

func (s *Signer) Issue(ctx context.Context) (*AuthParams, error) {
	token := uuid.NewString()
	expire := time.Now().Add(s.ttl).Unix()

	if s.tokens != nil {
		if err := s.tokens.PutUploadToken(ctx, token, s.ttl); err != nil {
			return nil, err
		}
	}

	return &AuthParams{
		Token:     token,
		Expire:    expire,
		Signature: s.sign(token, expire),
	}, nil
}

// Redeem consumes an issued token; a second redeem of the same token fails.
func (s *Signer) Redeem(ctx context.Context, token string) (bool, error) {
	if s.tokens == nil {
		return false, nil
	}
	return s.tokens.RedeemUploadToken(ctx, token)
}

// Tracking reports whether issued tokens are registered for single-use
// redemption. Without a token store Redeem cannot tell used from unknown.
func (s *Signer) Tracking() bool {
	return s.tokens != nil
}

// Verify recomputes the signature for a token/expire pair.
func (s *Signer) Verify(token string, expire int64, signature string) bool {
	return hmac.Equal([]byte(signature), []byte(s.sign(token, expire)))
}

func (s *Signer) sign(token string, expire int64) string {
	mac := hmac.New(sha1.New, []byte(s.privateKey))
	mac.Write([]byte(token + strconv.FormatInt(expire, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
