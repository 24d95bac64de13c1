// Package target talks to the booking site. The core consumes the Client
// interface; Site is the real HTTP implementation for the Winter CMS class
// portal.
package target

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAuthRejected means the site refused the login or no longer honors
	// the session. Callers invalidate the session and may retry once.
	ErrAuthRejected = errors.New("target: authentication rejected")

	// ErrUnreachable covers network failures and unexpected site responses.
	// Retryable within a bounded budget.
	ErrUnreachable = errors.New("target: unreachable")
)

// NoMatchError: the class list was retrieved but no card matched the
// request. Carries the raw page so it can be captured for diagnosis.
type NoMatchError struct {
	Page []byte
}

func (e *NoMatchError) Error() string { return "target: no matching class on page" }

// SessionMaterial is the live authenticated state for one user: the site's
// session cookies plus the CSRF token scraped at login. It is serialized
// (encrypted) by the session manager, never logged.
type SessionMaterial struct {
	Cookies   []Cookie `json:"cookies"`
	CSRFToken string   `json:"csrf_token"`
}

type Cookie struct {
	Name    string    `json:"name"`
	Value   string    `json:"value"`
	Path    string    `json:"path,omitempty"`
	Domain  string    `json:"domain,omitempty"`
	Expires time.Time `json:"expires,omitempty"`
}

type Result int

const (
	Booked Result = iota + 1
	Waitlisted
	Full
)

func (r Result) String() string {
	switch r {
	case Booked:
		return "booked"
	case Waitlisted:
		return "waitlisted"
	case Full:
		return "full"
	default:
		return "unknown"
	}
}

type BookingRequest struct {
	ClassName  string
	Date       time.Time // class date in site-local time
	TimeOfDay  string    // "15:04"
	Instructor string    // optional filter
}

type Class struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Instructor  string `json:"instructor"`
	Date        string `json:"date"` // YYYY-MM-DD
	Time        string `json:"time"` // HH:MM
	Remaining   int    `json:"remaining_spaces"`
}

type Client interface {
	Authenticate(ctx context.Context, username, password string) (SessionMaterial, error)
	Book(ctx context.Context, sm SessionMaterial, req BookingRequest) (Result, error)
	Cancel(ctx context.Context, sm SessionMaterial, req BookingRequest) error
	ListClasses(ctx context.Context, sm SessionMaterial, daysAhead int) ([]Class, error)
}
