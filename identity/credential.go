package identity

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// NamePart is one component of a verified name, typed GivenName or FamilyName.
type NamePart struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Name is a verified name, optionally bounded by validity dates.
type Name struct {
	NameParts  []NamePart `json:"nameParts"`
	ValidFrom  string     `json:"validFrom,omitempty"`
	ValidUntil string     `json:"validUntil,omitempty"`
}

// BirthDate is a verified date of birth in YYYY-MM-DD form.
type BirthDate struct {
	Value string `json:"value"`
}

// Credential is the decoded payload of a verified core identity credential.
// It is only produced by Verifier.Verify after every check has passed.
type Credential struct {
	Subject    string
	Issuer     string
	Audience   []string
	Level      Level
	TrustMark  string
	Names      []Name
	BirthDates []BirthDate
	IssuedAt   time.Time
	NotBefore  time.Time
	ExpiresAt  time.Time
}

// GivenNames returns the given name parts of the current name.
func (c *Credential) GivenNames() []string {
	return c.partsOfType("GivenName")
}

// FamilyName returns the joined family name parts of the current name.
func (c *Credential) FamilyName() string {
	return strings.Join(c.partsOfType("FamilyName"), " ")
}

// BirthDate returns the first asserted birth date.
func (c *Credential) BirthDate() string {
	if len(c.BirthDates) == 0 {
		return ""
	}
	return c.BirthDates[0].Value
}

func (c *Credential) partsOfType(kind string) []string {
	name, ok := c.currentName()
	if !ok {
		return nil
	}
	var out []string
	for _, p := range name.NameParts {
		if p.Type == kind {
			out = append(out, p.Value)
		}
	}
	return out
}

// currentName picks the name without a validUntil date, falling back to the first.
func (c *Credential) currentName() (Name, bool) {
	if len(c.Names) == 0 {
		return Name{}, false
	}
	for _, n := range c.Names {
		if n.ValidUntil == "" {
			return n, true
		}
	}
	return c.Names[0], true
}

type credentialSubject struct {
	Name      []Name      `json:"name"`
	BirthDate []BirthDate `json:"birthDate"`
}

type verifiableCredential struct {
	Type              []string          `json:"type"`
	CredentialSubject credentialSubject `json:"credentialSubject"`
}

// Claims is the JWT claim set of a core identity credential.
type Claims struct {
	jwt.RegisteredClaims
	VoT string               `json:"vot"`
	Vtm string               `json:"vtm,omitempty"`
	VC  verifiableCredential `json:"vc"`
}

// NewClaims assembles a claim set; used by issuers and test fixtures.
func NewClaims(registered jwt.RegisteredClaims, level Level, names []Name, birthDates []BirthDate) Claims {
	return Claims{
		RegisteredClaims: registered,
		VoT:              string(level),
		VC: verifiableCredential{
			Type: []string{"VerifiableCredential", "IdentityCheckCredential"},
			CredentialSubject: credentialSubject{
				Name:      names,
				BirthDate: birthDates,
			},
		},
	}
}

func (c Claims) credential() *Credential {
	cred := &Credential{
		Subject:    c.Subject,
		Issuer:     c.Issuer,
		Audience:   []string(c.Audience),
		Level:      Level(c.VoT),
		TrustMark:  c.Vtm,
		Names:      c.VC.CredentialSubject.Name,
		BirthDates: c.VC.CredentialSubject.BirthDate,
	}
	if c.IssuedAt != nil {
		cred.IssuedAt = c.IssuedAt.Time
	}
	if c.NotBefore != nil {
		cred.NotBefore = c.NotBefore.Time
	}
	if c.ExpiresAt != nil {
		cred.ExpiresAt = c.ExpiresAt.Time
	}
	return cred
}
