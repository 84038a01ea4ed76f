package server

import (
	"encoding/json"
	"fmt"
)

// Claim is a user-info claim identifier this relying party knows how to handle.
type Claim string

const (
	ClaimSubject             Claim = "sub"
	ClaimEmail               Claim = "email"
	ClaimEmailVerified       Claim = "email_verified"
	ClaimPhoneNumber         Claim = "phone_number"
	ClaimPhoneNumberVerified Claim = "phone_number_verified"
	ClaimCoreIdentity        Claim = "https://vocab.account.gov.uk/v1/coreIdentityJWT"
	ClaimAddress             Claim = "https://vocab.account.gov.uk/v1/address"
	ClaimPassport            Claim = "https://vocab.account.gov.uk/v1/passport"
	ClaimDrivingPermit       Claim = "https://vocab.account.gov.uk/v1/drivingPermit"
	ClaimReturnCode          Claim = "https://vocab.account.gov.uk/v1/returnCode"
)

// requestable lists the claims that may appear in a claims request.
var requestable = map[Claim]bool{
	ClaimCoreIdentity:  true,
	ClaimAddress:       true,
	ClaimPassport:      true,
	ClaimDrivingPermit: true,
	ClaimReturnCode:    true,
}

// ParseClaim accepts only requestable claim identifiers.
func ParseClaim(name string) (Claim, error) {
	c := Claim(name)
	if !requestable[c] {
		return "", fmt.Errorf("unknown claim %q", name)
	}
	return c, nil
}

type claimRequest struct {
	Essential bool `json:"essential"`
}

// claimsParameter renders the OIDC claims request. The core identity claim is
// always essential; other claims are requested as voluntary.
func claimsParameter(claims []Claim) (string, error) {
	userinfo := make(map[Claim]*claimRequest, len(claims)+1)
	userinfo[ClaimCoreIdentity] = &claimRequest{Essential: true}
	for _, c := range claims {
		if c == ClaimCoreIdentity {
			continue
		}
		userinfo[c] = nil
	}
	b, err := json.Marshal(map[string]any{"userinfo": userinfo})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UserInfo holds the known claims returned by the user-info endpoint.
type UserInfo struct {
	Subject             string          `json:"sub"`
	Email               string          `json:"email,omitempty"`
	EmailVerified       bool            `json:"email_verified,omitempty"`
	PhoneNumber         string          `json:"phone_number,omitempty"`
	PhoneNumberVerified bool            `json:"phone_number_verified,omitempty"`
	CoreIdentityJWT     string          `json:"https://vocab.account.gov.uk/v1/coreIdentityJWT,omitempty"`
	Addresses           []PostalAddress `json:"https://vocab.account.gov.uk/v1/address,omitempty"`
	Passports           []Passport      `json:"https://vocab.account.gov.uk/v1/passport,omitempty"`
	DrivingPermits      []DrivingPermit `json:"https://vocab.account.gov.uk/v1/drivingPermit,omitempty"`
	ReturnCodes         []ReturnCode    `json:"https://vocab.account.gov.uk/v1/returnCode,omitempty"`
}

// PostalAddress is a verified address record.
type PostalAddress struct {
	UPRN                     string `json:"uprn,omitempty"`
	BuildingNumber           string `json:"buildingNumber,omitempty"`
	BuildingName             string `json:"buildingName,omitempty"`
	SubBuildingName          string `json:"subBuildingName,omitempty"`
	StreetName               string `json:"streetName,omitempty"`
	DependentAddressLocality string `json:"dependentAddressLocality,omitempty"`
	AddressLocality          string `json:"addressLocality,omitempty"`
	PostalCode               string `json:"postalCode,omitempty"`
	AddressCountry           string `json:"addressCountry,omitempty"`
	ValidFrom                string `json:"validFrom,omitempty"`
	ValidUntil               string `json:"validUntil,omitempty"`
}

// Passport is a verified passport record.
type Passport struct {
	DocumentNumber string `json:"documentNumber"`
	ExpiryDate     string `json:"expiryDate,omitempty"`
	IcaoIssuerCode string `json:"icaoIssuerCode,omitempty"`
}

// DrivingPermit is a verified driving licence record.
type DrivingPermit struct {
	PersonalNumber string `json:"personalNumber"`
	ExpiryDate     string `json:"expiryDate,omitempty"`
	IssueNumber    string `json:"issueNumber,omitempty"`
	IssuedBy       string `json:"issuedBy,omitempty"`
}

// ReturnCode explains why identity could not be asserted.
type ReturnCode struct {
	Code string `json:"code"`
}
