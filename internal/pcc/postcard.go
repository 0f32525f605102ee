// Package pcc is a client for the Swiss Post Postcard Creator API. It
// handles the OAuth/SAML login dance, the free-card quota and the postcard
// upload itself.
package pcc

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Address describes one side of a postcard. Sender and recipient share the
// same shape; Country, CompanyAddition and Salutation are only sent for
// recipients.
type Address struct {
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	Street          string `json:"street"`
	ZipCode         int    `json:"zip_code"`
	Place           string `json:"place"`
	Company         string `json:"company,omitempty"`
	Country         string `json:"country,omitempty"`
	CompanyAddition string `json:"company_addition,omitempty"`
	Salutation      string `json:"salutation,omitempty"`
}

// Validate reports whether the address carries the fields the upstream API
// requires.
func (a Address) Validate() error {
	var missing []string
	if a.FirstName == "" {
		missing = append(missing, "first_name")
	}
	if a.LastName == "" {
		missing = append(missing, "last_name")
	}
	if a.Street == "" {
		missing = append(missing, "street")
	}
	if a.ZipCode == 0 {
		missing = append(missing, "zip_code")
	}
	if a.Place == "" {
		missing = append(missing, "place")
	}
	if len(missing) > 0 {
		return fmt.Errorf("address is missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Postcard is one card to send: a cover picture, a message rendered onto the
// back, and the two addresses.
type Postcard struct {
	Sender    Address
	Recipient Address
	Message   string
	Picture   io.Reader
}

// Validate checks both addresses and the picture stream.
func (p Postcard) Validate() error {
	if p.Picture == nil {
		return fmt.Errorf("postcard has no picture")
	}
	if err := p.Sender.Validate(); err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	if err := p.Recipient.Validate(); err != nil {
		return fmt.Errorf("recipient: %w", err)
	}
	return nil
}

// Quota is the /user/quota model. Next and End are passed through exactly as
// the upstream returns them.
type Quota struct {
	Available bool   `json:"available"`
	Next      string `json:"next"`
	Quota     int    `json:"quota"`
	End       string `json:"end"`
}

// Token is a fetched Postcard Creator access token.
type Token struct {
	AccessToken string    `json:"token"`
	Type        string    `json:"type"`
	ExpiresIn   int       `json:"expires_in"`
	FetchedAt   time.Time `json:"fetched_at"`
	// Method records which login flow produced the token: legacy or swissid.
	Method string `json:"implementation"`
}

// Valid reports whether the token can still be used. A token within 60
// seconds of its expiry counts as invalid so in-flight requests don't race
// the deadline.
func (t *Token) Valid() bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	expiry := t.FetchedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
	return time.Until(expiry) > time.Minute
}
