package registry

import (
	"errors"
	"strings"
)

// ErrConsentRequired is returned as a structured decision, not thrown: the
// caller surfaces it to the user and retries with consent.
var ErrConsentRequired = errors.New("download requires explicit consent")

// PolicyDecision is the result of evaluating a download request against the
// allowlist and per-owner rules. Evaluation always precedes any file fetch.
type PolicyDecision struct {
	Allowed         bool     `json:"allowed"`
	RequiresConsent bool     `json:"requires_consent"`
	Warnings        []string `json:"warnings,omitempty"`
	Revision        string   `json:"revision,omitempty"`
	ExpectedSHA256  string   `json:"expected_sha256,omitempty"`
}

// DownloadPolicy evaluates model download requests.
type DownloadPolicy struct {
	allowedOwners map[string]bool
	consentOwners map[string]bool
	pins          map[string]pin // repoID -> pinned revision/digest
}

type pin struct {
	revision string
	sha256   string
}

// NewDownloadPolicy builds a policy from owner allowlists. An empty allowed
// list means any owner is admitted (with a warning).
func NewDownloadPolicy(allowedOwners, consentOwners []string) *DownloadPolicy {
	p := &DownloadPolicy{
		allowedOwners: make(map[string]bool, len(allowedOwners)),
		consentOwners: make(map[string]bool, len(consentOwners)),
		pins:          make(map[string]pin),
	}
	for _, o := range allowedOwners {
		p.allowedOwners[strings.ToLower(o)] = true
	}
	for _, o := range consentOwners {
		p.consentOwners[strings.ToLower(o)] = true
	}
	return p
}

// Pin records an expected revision and digest for a repository.
func (p *DownloadPolicy) Pin(repoID, revision, sha256 string) {
	p.pins[strings.ToLower(repoID)] = pin{revision: revision, sha256: sha256}
}

// Evaluate decides whether repoID may be downloaded.
func (p *DownloadPolicy) Evaluate(repoID string) PolicyDecision {
	decision := PolicyDecision{}
	owner := repoOwner(repoID)

	switch {
	case len(p.allowedOwners) == 0:
		decision.Allowed = true
		decision.Warnings = append(decision.Warnings, "no owner allowlist configured")
	case p.allowedOwners[owner]:
		decision.Allowed = true
	default:
		decision.Warnings = append(decision.Warnings, "owner "+owner+" is not on the allowlist")
		return decision
	}

	if p.consentOwners[owner] {
		decision.RequiresConsent = true
	}

	if pin, ok := p.pins[strings.ToLower(repoID)]; ok {
		decision.Revision = pin.revision
		decision.ExpectedSHA256 = pin.sha256
	}
	return decision
}

func repoOwner(repoID string) string {
	if i := strings.IndexByte(repoID, '/'); i > 0 {
		return strings.ToLower(repoID[:i])
	}
	return strings.ToLower(repoID)
}
