// Package credentials holds the provider API keys and hands them out per request.
package credentials

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/rand/v2"
	"strings"
)

// ErrNoCredentials is a configuration error: the pool was built without any key.
var ErrNoCredentials = errors.New("no API key available")

const fingerprintLen = 8

// Credential is one provider API key together with its persisted identifier.
type Credential struct {
	ID     string
	Secret string
}

// String never prints the secret so credentials are safe to log.
func (c Credential) String() string {
	return c.ID
}

// Masked renders the key as "sk-abc...wxyz" for startup logs.
func (c Credential) Masked() string {
	if len(c.Secret) <= 16 {
		return "****"
	}
	return c.Secret[:12] + "..." + c.Secret[len(c.Secret)-4:]
}

// Pool is an immutable set of credentials, safe for concurrent use.
type Pool struct {
	creds []Credential
	byID  map[string]Credential
}

// NewPool builds a pool from raw secrets. Blank entries and duplicates are dropped.
func NewPool(secrets []string) *Pool {
	p := &Pool{byID: make(map[string]Credential)}
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		c := Credential{ID: Fingerprint(s), Secret: s}
		if _, dup := p.byID[c.ID]; dup {
			continue
		}
		p.byID[c.ID] = c
		p.creds = append(p.creds, c)
	}
	return p
}

// Fingerprint derives the stable, non-reversible identifier of a secret.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// Len returns the number of credentials in the pool.
func (p *Pool) Len() int {
	return len(p.creds)
}

// All returns a copy of the pooled credentials.
func (p *Pool) All() []Credential {
	return append([]Credential(nil), p.creds...)
}

// Pick returns a uniformly random credential.
func (p *Pool) Pick() (Credential, error) {
	if len(p.creds) == 0 {
		return Credential{}, ErrNoCredentials
	}
	return p.creds[rand.IntN(len(p.creds))], nil
}

// Resolve returns the credential with the given id. Jobs recorded before a key
// rotation carry ids that no longer exist; those fall back to a random credential.
func (p *Pool) Resolve(id string) (Credential, error) {
	if c, ok := p.byID[id]; ok && id != "" {
		return c, nil
	}
	return p.Pick()
}
