package target

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// The portal renders class cards as <div class="class grid"> blocks inside
// the @events partial. Each card carries an h2.title, a span[itemprop=
// startDate], an optional "with <name>." paragraph, a span.remaining count
// and, when the slot is actionable, a <form data-request=...> with id and
// timestamp inputs plus a signup/waitinglist/cancel button.

type classCard struct {
	title       string
	description string
	instructor  string
	startTime   string
	remaining   int
	note        string // inline status text shown instead of a form
	form        *bookForm
}

type bookForm struct {
	handler   string
	id        string
	timestamp string
	action    string // "signup" or "waitinglist"
	canCancel bool
}

func parseCSRFToken(page string) string {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return ""
	}
	var token string
	walk(doc, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "meta" && attr(n, "name") == "csrf-token" {
			token = attr(n, "content")
			return false
		}
		return true
	})
	return token
}

func parseClassCards(fragment string) []classCard {
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return nil
	}
	var cards []classCard
	walk(doc, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "div" && hasClass(n, "class") && hasClass(n, "grid") {
			cards = append(cards, parseCard(n))
			return false // cards do not nest
		}
		return true
	})
	return cards
}

func parseCard(root *html.Node) classCard {
	var c classCard
	walk(root, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		switch n.Data {
		case "h2":
			if hasClass(n, "title") && c.title == "" {
				c.title = strings.TrimSpace(textContent(n))
			}
		case "div":
			if hasClass(n, "description") && c.description == "" {
				c.description = strings.TrimSpace(textContent(n))
			}
		case "span":
			if attr(n, "itemprop") == "startDate" && c.startTime == "" {
				c.startTime = strings.TrimSpace(textContent(n))
			}
			if hasClass(n, "remaining") {
				if v, err := strconv.Atoi(strings.TrimSpace(textContent(n))); err == nil {
					c.remaining = v
				}
			}
		case "p":
			txt := strings.TrimSpace(textContent(n))
			if c.instructor == "" && strings.HasPrefix(strings.ToLower(txt), "with ") {
				c.instructor = strings.TrimSuffix(strings.TrimSpace(txt[5:]), ".")
			}
		case "form":
			if h := attr(n, "data-request"); h != "" && c.form == nil {
				c.form = parseForm(n, h)
			}
		}
		return true
	})
	if c.form == nil {
		low := strings.ToLower(textContent(root))
		for _, phrase := range []string{"you are already registered", "you are on the waiting list"} {
			if strings.Contains(low, phrase) {
				c.note = phrase
				break
			}
		}
	}
	return c
}

func parseForm(root *html.Node, handler string) *bookForm {
	f := &bookForm{handler: handler}
	walk(root, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		switch n.Data {
		case "input":
			switch attr(n, "name") {
			case "id":
				f.id = attr(n, "value")
			case "timestamp":
				f.timestamp = attr(n, "value")
			}
		case "button":
			switch {
			case hasClass(n, "signup"):
				f.action = "signup"
			case hasClass(n, "waitinglist"):
				f.action = "waitinglist"
			case hasClass(n, "cancel"):
				f.canCancel = true
			}
		}
		return true
	})
	return f
}

// walk runs fn over n and its subtree in document order; returning false
// skips the node's children.
func walk(n *html.Node, fn func(*html.Node) bool) {
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, f := range strings.Fields(attr(n, "class")) {
		if f == class {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return b.String()
}
