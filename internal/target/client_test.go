package target

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakePortal mimics the class portal's handler protocol closely enough for
// the client: CSRF meta on the login page, form-POST page handlers, JSON
// envelopes, redirect keys on auth failure.
type fakePortal struct {
	t            *testing.T
	events       string
	password     string
	expireAfter  bool // answer onDate with an October redirect
	bookedIDs    []string
	sawWaitlists []string
}

func (p *fakePortal) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			http.SetCookie(w, &http.Cookie{Name: "portal_session", Value: "sess-1"})
			_, _ = w.Write([]byte(loginPage))
			return
		}
		if r.Header.Get("X-Winter-Request-Handler") != "onSignin" {
			http.Error(w, "bad handler", http.StatusBadRequest)
			return
		}
		if r.Header.Get("x-csrf-token") != "tok-123abc" {
			http.Error(w, "bad csrf", http.StatusForbidden)
			return
		}
		_ = r.ParseForm()
		if r.FormValue("password") != p.password {
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalid login"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"X_WINTER_REDIRECT": "/members"})
	})
	mux.HandleFunc("/book-classes", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("portal_session"); err != nil || c.Value != "sess-1" {
			_ = json.NewEncoder(w).Encode(map[string]any{"X_OCTOBER_REDIRECT": "/login"})
			return
		}
		_ = r.ParseForm()
		switch r.Header.Get("X-Winter-Request-Handler") {
		case "onDate":
			if p.expireAfter {
				_ = json.NewEncoder(w).Encode(map[string]any{"X_OCTOBER_REDIRECT": "/login"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"@events": p.events})
		case "onBook":
			id := r.FormValue("id")
			if id == "992" {
				p.sawWaitlists = append(p.sawWaitlists, id)
			} else {
				p.bookedIDs = append(p.bookedIDs, id)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"result": "ok"})
		default:
			http.Error(w, "unknown handler", http.StatusBadRequest)
		}
	})
	return mux
}

func newPortal(t *testing.T) (*fakePortal, *Site, SessionMaterial) {
	t.Helper()
	p := &fakePortal{t: t, events: eventsPartial, password: "pw"}
	srv := httptest.NewServer(p.handler())
	t.Cleanup(srv.Close)
	site := NewSite(srv.URL)

	sm, err := site.Authenticate(context.Background(), "alice", "pw")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	return p, site, sm
}

func TestAuthenticate(t *testing.T) {
	_, _, sm := newPortal(t)
	if sm.CSRFToken != "tok-123abc" {
		t.Errorf("csrf token: %q", sm.CSRFToken)
	}
	if len(sm.Cookies) == 0 {
		t.Error("no session cookies captured")
	}
}

func TestAuthenticateBadPassword(t *testing.T) {
	p := &fakePortal{t: t, events: eventsPartial, password: "pw"}
	srv := httptest.NewServer(p.handler())
	defer srv.Close()

	_, err := NewSite(srv.URL).Authenticate(context.Background(), "alice", "wrong")
	if !errors.Is(err, ErrAuthRejected) {
		t.Errorf("got %v, want ErrAuthRejected", err)
	}
}

func TestAuthenticateSiteDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // dead endpoint

	_, err := NewSite(srv.URL).Authenticate(context.Background(), "alice", "pw")
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("got %v, want ErrUnreachable", err)
	}
}

func TestBookSignup(t *testing.T) {
	p, site, sm := newPortal(t)
	res, err := site.Book(context.Background(), sm, BookingRequest{
		ClassName: "Calorie Killer", Date: time.Now(), TimeOfDay: "10:00",
	})
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if res != Booked {
		t.Errorf("got %v, want Booked", res)
	}
	if len(p.bookedIDs) != 1 || p.bookedIDs[0] != "991" {
		t.Errorf("booked ids: %v", p.bookedIDs)
	}
}

func TestBookWaitlist(t *testing.T) {
	p, site, sm := newPortal(t)
	res, err := site.Book(context.Background(), sm, BookingRequest{
		ClassName: "Calisthenics", Date: time.Now(), TimeOfDay: "18:30",
	})
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if res != Waitlisted {
		t.Errorf("got %v, want Waitlisted", res)
	}
	if len(p.sawWaitlists) != 1 {
		t.Errorf("waitlist posts: %v", p.sawWaitlists)
	}
}

func TestBookAlreadyRegistered(t *testing.T) {
	_, site, sm := newPortal(t)
	res, err := site.Book(context.Background(), sm, BookingRequest{
		ClassName: "Spin", Date: time.Now(), TimeOfDay: "07:15",
	})
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if res != Booked {
		t.Errorf("got %v, want Booked for already-registered class", res)
	}
}

func TestBookNoMatch(t *testing.T) {
	_, site, sm := newPortal(t)
	_, err := site.Book(context.Background(), sm, BookingRequest{
		ClassName: "Pilates", Date: time.Now(),
	})
	var nm *NoMatchError
	if !errors.As(err, &nm) {
		t.Fatalf("got %v, want NoMatchError", err)
	}
	if len(nm.Page) == 0 {
		t.Error("NoMatchError should carry the page")
	}
}

func TestBookExpiredSession(t *testing.T) {
	p, site, sm := newPortal(t)
	p.expireAfter = true
	_, err := site.Book(context.Background(), sm, BookingRequest{
		ClassName: "Calorie Killer", Date: time.Now(), TimeOfDay: "10:00",
	})
	if !errors.Is(err, ErrAuthRejected) {
		t.Errorf("got %v, want ErrAuthRejected", err)
	}
}

func TestCancel(t *testing.T) {
	_, site, sm := newPortal(t)
	// Yoga Flow has a cancel-only form.
	if err := site.Cancel(context.Background(), sm, BookingRequest{
		ClassName: "Yoga Flow", Date: time.Now(), TimeOfDay: "19:45",
	}); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// Calorie Killer is not booked; cancelling must fail.
	err := site.Cancel(context.Background(), sm, BookingRequest{
		ClassName: "Calorie Killer", Date: time.Now(), TimeOfDay: "10:00",
	})
	if err == nil {
		t.Error("expected error cancelling an unbooked class")
	}
}

func TestListClasses(t *testing.T) {
	_, site, sm := newPortal(t)
	classes, err := site.ListClasses(context.Background(), sm, 2)
	if err != nil {
		t.Fatalf("ListClasses: %v", err)
	}
	if len(classes) != 8 { // 4 cards x 2 days
		t.Fatalf("got %d classes, want 8", len(classes))
	}
	if classes[0].Name != "Calorie Killer" || classes[0].Instructor != "Sam" || classes[0].Remaining != 4 {
		t.Errorf("first class: %+v", classes[0])
	}
}
