// Package turnrest mints coturn-compatible ephemeral TURN credentials
// (draft-uberti-behave-turn-rest):
//
//	username   = <unix_expiry>:<prefix>:<subject>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The subject is the participant's endpoint id, so credentials handed out in a
// `joined` reply are traceable to one signaling connection.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var (
	ErrMissingSecret  = errors.New("turnrest: shared secret is required")
	ErrInvalidTTL     = errors.New("turnrest: ttl must be > 0")
	ErrInvalidPrefix  = errors.New("turnrest: username prefix must be non-empty and contain no ':'")
	ErrInvalidSubject = errors.New("turnrest: subject must be non-empty and contain no ':'")
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	// Now defaults to time.Now.
	Now func() time.Time
}

type Generator struct {
	secret []byte
	ttl    int64
	prefix string
	now    func() time.Time
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, ErrMissingSecret
	}
	ttl := int64(cfg.TTL / time.Second)
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, ErrInvalidPrefix
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Generator{
		secret: []byte(cfg.SharedSecret),
		ttl:    ttl,
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
	}, nil
}

// Generate mints credentials for subject.
func (g *Generator) Generate(subject string) (Credentials, error) {
	if subject == "" || strings.Contains(subject, ":") {
		return Credentials{}, ErrInvalidSubject
	}
	expiry := g.now().UTC().Unix() + g.ttl
	username := fmt.Sprintf("%d:%s:%s", expiry, g.prefix, subject)
	return Credentials{
		Username:   username,
		Credential: sign(g.secret, username),
		Expires:    time.Unix(expiry, 0).UTC(),
	}, nil
}

// GenerateAnonymous mints credentials for a random subject; used by the
// HTTP ICE endpoint where no signaling endpoint exists yet.
func (g *Generator) GenerateAnonymous() (Credentials, error) {
	return g.Generate(uuid.NewString())
}

// Apply returns a copy of servers with creds set on every TURN entry. STUN
// entries pass through untouched. A nil generator returns servers as-is.
func (g *Generator) Apply(servers []webrtc.ICEServer, creds Credentials) []webrtc.ICEServer {
	if g == nil || len(servers) == 0 {
		return servers
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, s := range servers {
		out[i] = s
		if hasTURN(s) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func hasTURN(s webrtc.ICEServer) bool {
	for _, u := range s.URLs {
		u = strings.ToLower(strings.TrimSpace(u))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}
