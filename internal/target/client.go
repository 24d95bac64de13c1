package target

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/141.0.0.0 Safari/537.36"

// Site drives the Winter CMS class portal. Every request flow is a form POST
// to a page handler (X-Winter-Request-Handler) guarded by the CSRF token from
// the login page; expired sessions answer with an X_OCTOBER_REDIRECT body
// instead of content.
type Site struct {
	baseURL string
	timeout time.Duration
}

func NewSite(baseURL string) *Site {
	return &Site{baseURL: strings.TrimRight(baseURL, "/"), timeout: 15 * time.Second}
}

func (s *Site) Authenticate(ctx context.Context, username, password string) (SessionMaterial, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return SessionMaterial{}, err
	}
	hc := &http.Client{Jar: jar, Timeout: s.timeout}

	page, err := s.get(ctx, hc, s.baseURL+"/login")
	if err != nil {
		return SessionMaterial{}, err
	}
	token := parseCSRFToken(string(page))
	if token == "" {
		return SessionMaterial{}, fmt.Errorf("%w: login page has no csrf token", ErrUnreachable)
	}

	form := url.Values{"login": {username}, "password": {password}}
	body, err := s.postHandler(ctx, hc, s.baseURL+"/login", "onSignin", token, form, "")
	if err != nil {
		return SessionMaterial{}, err
	}
	var res map[string]any
	if err := json.Unmarshal(body, &res); err != nil {
		return SessionMaterial{}, fmt.Errorf("%w: unexpected login response", ErrUnreachable)
	}
	if _, ok := res["X_WINTER_REDIRECT"]; !ok {
		return SessionMaterial{}, ErrAuthRejected
	}

	u, err := url.Parse(s.baseURL)
	if err != nil {
		return SessionMaterial{}, err
	}
	sm := SessionMaterial{CSRFToken: token}
	for _, c := range jar.Cookies(u) {
		sm.Cookies = append(sm.Cookies, Cookie{Name: c.Name, Value: c.Value, Path: c.Path, Domain: c.Domain, Expires: c.Expires})
	}
	return sm, nil
}

func (s *Site) Book(ctx context.Context, sm SessionMaterial, req BookingRequest) (Result, error) {
	hc, err := s.client(sm)
	if err != nil {
		return 0, err
	}
	events, err := s.fetchEvents(ctx, hc, sm.CSRFToken, req.Date.Format("2006-01-02"))
	if err != nil {
		return 0, err
	}

	card, ok := matchCard(parseClassCards(events), req)
	if !ok {
		return 0, &NoMatchError{Page: []byte(events)}
	}

	if card.form == nil {
		switch {
		case strings.Contains(card.note, "already registered"):
			return Booked, nil
		case strings.Contains(card.note, "waiting list"):
			return Waitlisted, nil
		default:
			return Full, nil
		}
	}
	if card.form.action == "" {
		if card.form.canCancel {
			// A cancel-only form means the slot is already ours.
			return Booked, nil
		}
		return Full, nil
	}
	if card.form.id == "" || card.form.timestamp == "" {
		return 0, fmt.Errorf("%w: booking form missing id/timestamp", ErrUnreachable)
	}

	form := url.Values{"id": {card.form.id}, "timestamp": {card.form.timestamp}}
	body, err := s.postHandler(ctx, hc, s.baseURL+"/book-classes", card.form.handler, sm.CSRFToken, form, "")
	if err != nil {
		return 0, err
	}
	if strings.Contains(string(body), "X_OCTOBER_REDIRECT") {
		return 0, fmt.Errorf("%w: booking handler answered with redirect", ErrUnreachable)
	}
	if card.form.action == "waitinglist" {
		return Waitlisted, nil
	}
	return Booked, nil
}

func (s *Site) Cancel(ctx context.Context, sm SessionMaterial, req BookingRequest) error {
	hc, err := s.client(sm)
	if err != nil {
		return err
	}
	events, err := s.fetchEvents(ctx, hc, sm.CSRFToken, req.Date.Format("2006-01-02"))
	if err != nil {
		return err
	}

	card, ok := matchCard(parseClassCards(events), req)
	if !ok {
		return &NoMatchError{Page: []byte(events)}
	}
	if card.form == nil || !card.form.canCancel {
		return fmt.Errorf("target: not booked on %q, nothing to cancel", req.ClassName)
	}
	if card.form.id == "" || card.form.timestamp == "" {
		return fmt.Errorf("%w: cancel form missing id/timestamp", ErrUnreachable)
	}

	form := url.Values{"id": {card.form.id}, "timestamp": {card.form.timestamp}}
	body, err := s.postHandler(ctx, hc, s.baseURL+"/book-classes", card.form.handler, sm.CSRFToken, form, "")
	if err != nil {
		return err
	}
	if strings.Contains(string(body), "X_OCTOBER_REDIRECT") {
		return fmt.Errorf("%w: cancel handler answered with redirect", ErrUnreachable)
	}
	return nil
}

func (s *Site) ListClasses(ctx context.Context, sm SessionMaterial, daysAhead int) ([]Class, error) {
	hc, err := s.client(sm)
	if err != nil {
		return nil, err
	}
	var out []Class
	for i := 0; i < daysAhead; i++ {
		date := time.Now().AddDate(0, 0, i).Format("2006-01-02")
		events, err := s.fetchEvents(ctx, hc, sm.CSRFToken, date)
		if err != nil {
			if errors.Is(err, ErrAuthRejected) {
				return nil, err
			}
			continue // one bad day should not sink the whole listing
		}
		for _, c := range parseClassCards(events) {
			out = append(out, Class{
				Name:        c.title,
				Description: c.description,
				Instructor:  c.instructor,
				Date:        date,
				Time:        c.startTime,
				Remaining:   c.remaining,
			})
		}
	}
	return out, nil
}

func matchCard(cards []classCard, req BookingRequest) (classCard, bool) {
	want := strings.ToLower(req.ClassName)
	for _, c := range cards {
		if !strings.Contains(strings.ToLower(c.title), want) {
			continue
		}
		if req.TimeOfDay != "" && c.startTime != "" && c.startTime != req.TimeOfDay {
			continue
		}
		if req.Instructor != "" && c.instructor != "" &&
			!strings.Contains(strings.ToLower(c.instructor), strings.ToLower(req.Instructor)) {
			continue
		}
		return c, true
	}
	return classCard{}, false
}

// fetchEvents posts the onDate handler and returns the @events HTML partial.
func (s *Site) fetchEvents(ctx context.Context, hc *http.Client, csrf, date string) (string, error) {
	form := url.Values{"date": {date}}
	body, err := s.postHandler(ctx, hc, s.baseURL+"/book-classes", "onDate", csrf, form, "@events")
	if err != nil {
		return "", err
	}
	var res map[string]any
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("%w: unexpected events response", ErrUnreachable)
	}
	if _, ok := res["X_OCTOBER_REDIRECT"]; ok {
		return "", ErrAuthRejected
	}
	events, _ := res["@events"].(string)
	if events == "" {
		return "", fmt.Errorf("%w: empty events partial", ErrUnreachable)
	}
	return events, nil
}

func (s *Site) client(sm SessionMaterial) (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, err
	}
	cookies := make([]*http.Cookie, 0, len(sm.Cookies))
	for _, c := range sm.Cookies {
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value, Path: c.Path, Domain: c.Domain, Expires: c.Expires})
	}
	jar.SetCookies(u, cookies)
	return &http.Client{Jar: jar, Timeout: s.timeout}, nil
}

func (s *Site) get(ctx context.Context, hc *http.Client, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	return s.do(hc, req)
}

func (s *Site) postHandler(ctx context.Context, hc *http.Client, rawURL, handler, csrf string, form url.Values, partials string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Winter-Request-Handler", handler)
	req.Header.Set("x-csrf-token", csrf)
	if partials != "" {
		req.Header.Set("X-Winter-Request-Partials", partials)
	}
	return s.do(hc, req)
}

func (s *Site) do(hc *http.Client, req *http.Request) ([]byte, error) {
	res, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return nil, ErrAuthRejected
	case res.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status %d", ErrUnreachable, res.StatusCode)
	}
	return body, nil
}
