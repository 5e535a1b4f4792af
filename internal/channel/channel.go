// Package channel talks to the messaging provider: profile lookups,
// connection invitations and direct messages.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	DistanceFirstDegree = "FIRST_DEGREE"

	InvitationPending   = "PENDING"
	InvitationWithdrawn = "WITHDRAWN"

	// MaxInviteNoteLength is the provider's limit on invitation notes.
	MaxInviteNoteLength = 300
)

var (
	ErrInvalidProfileURL = errors.New("profile url has no /in/ slug")
	ErrProfileNotFound   = errors.New("profile not found")
)

type Invitation struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// Profile is the relationship state between the sending account and a user.
type Profile struct {
	ProviderID       string      `json:"provider_id"`
	PublicIdentifier string      `json:"public_identifier"`
	FirstName        string      `json:"first_name"`
	LastName         string      `json:"last_name"`
	NetworkDistance  string      `json:"network_distance"`
	Invitation       *Invitation `json:"invitation,omitempty"`
}

func (p *Profile) Connected() bool {
	return p.NetworkDistance == DistanceFirstDegree
}

func (p *Profile) InvitationStatus() string {
	if p.Invitation == nil {
		return ""
	}
	return strings.ToUpper(p.Invitation.Status)
}

type SendResult struct {
	RemoteMessageID string `json:"message_id"`
	ChatID          string `json:"chat_id"`
}

// Client is the provider capability the engine depends on.
type Client interface {
	// Lookup fetches a profile by provider id as seen from accountID.
	Lookup(ctx context.Context, accountID, providerID string) (*Profile, error)
	// LookupSlug fetches a profile by its public profile slug.
	LookupSlug(ctx context.Context, accountID, slug string) (*Profile, error)
	// Send delivers a direct message. The recipient must be connected.
	Send(ctx context.Context, accountID, providerID, text string) (*SendResult, error)
	// Invite sends a connection request with an optional note.
	Invite(ctx context.Context, accountID, providerID, note string) (*SendResult, error)
}

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the request could succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

var slugPattern = regexp.MustCompile(`/in/([^/?#]+)`)

// ResolveSlug extracts the public slug from a profile URL.
func ResolveSlug(profileURL string) (string, error) {
	m := slugPattern.FindStringSubmatch(profileURL)
	if m == nil {
		return "", ErrInvalidProfileURL
	}
	slug, err := url.PathUnescape(m[1])
	if err != nil || slug == "" {
		return "", ErrInvalidProfileURL
	}
	return slug, nil
}

// TruncateNote cuts an invitation note to the provider limit, on a rune
// boundary.
func TruncateNote(note string) string {
	r := []rune(note)
	if len(r) <= MaxInviteNoteLength {
		return note
	}
	return string(r[:MaxInviteNoteLength])
}
