package providers

import (
	"context"
	"fmt"
	"strings"
)

// StaticAuthProvider resolves credentials from configuration loaded at
// startup. Tracker names compare case-insensitively.
type StaticAuthProvider struct {
	creds map[string]Credential
}

func NewStaticAuthProvider(creds []Credential) *StaticAuthProvider {
	m := make(map[string]Credential, len(creds))
	for _, c := range creds {
		m[strings.ToLower(c.Tracker)] = c
	}
	return &StaticAuthProvider{creds: m}
}

func (p *StaticAuthProvider) ResolveAuth(_ context.Context, tracker string) (Credential, error) {
	c, ok := p.creds[strings.ToLower(tracker)]
	if !ok {
		return Credential{}, fmt.Errorf("%w: %s", ErrUnknownTracker, tracker)
	}
	return c, nil
}
