// Package templates renders the HTML bodies of outbound email.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"
)

//go:embed html/*.html
var files embed.FS

// Email is a rendered message ready for the dispatcher.
type Email struct {
	Subject string
	HTML    string
}

type Expense struct {
	GroupID     string
	GroupName   string
	PayerName   string
	Amount      float64
	Currency    string
	Description string
}

type Invitation struct {
	GroupID   string
	GroupName string
	InvitedBy string
}

type Balance struct {
	GroupID   string
	GroupName string
}

type SummaryItem struct {
	Message   string
	CreatedAt time.Time
}

type Summary struct {
	Period string // "week" or "day"
	Items  []SummaryItem
}

type Welcome struct {
	Name string
}

type view struct {
	Title  string
	Footer string
	Link   string
	Data   any
}

var funcs = template.FuncMap{
	"money": func(amount float64, currency string) string {
		return fmt.Sprintf("%.2f %s", amount, currency)
	},
	"date": func(t time.Time) string { return t.UTC().Format("02 Jan 2006 15:04") },
}

// Renderer executes the embedded templates. AppURL, when set, adds a call
// to action linking back into the web app.
type Renderer struct {
	appURL string
	set    map[string]*template.Template
}

func New(appURL string) (*Renderer, error) {
	r := &Renderer{appURL: strings.TrimRight(appURL, "/"), set: map[string]*template.Template{}}
	for _, name := range []string{"generic", "expense", "invitation", "balance", "summary", "welcome"} {
		t, err := template.New(name).Funcs(funcs).ParseFS(files, "html/layout.html", "html/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		r.set[name] = t
	}
	return r, nil
}

// MustNew is New for static setups and tests.
func MustNew(appURL string) *Renderer {
	r, err := New(appURL)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Renderer) link(path string) string {
	if r.appURL == "" {
		return ""
	}
	return r.appURL + path
}

func (r *Renderer) render(name string, v view) (string, error) {
	var buf bytes.Buffer
	if err := r.set[name].ExecuteTemplate(&buf, "layout", v); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// Generic wraps free-form text. Blank lines split paragraphs; the text is
// escaped, never interpreted as markup.
func (r *Renderer) Generic(subject, content, footer string) (Email, error) {
	var paras []string
	for _, p := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			paras = append(paras, p)
		}
	}
	data := struct {
		Heading    string
		Paragraphs []string
	}{subject, paras}
	html, err := r.render("generic", view{Title: subject, Footer: footer, Data: data})
	return Email{Subject: subject, HTML: html}, err
}

func (r *Renderer) Expense(e Expense) (Email, error) {
	subject := "New expense in " + e.GroupName
	html, err := r.render("expense", view{
		Title:  "New expense",
		Footer: "You receive this because expense alerts are on.",
		Link:   r.link("/expenses?group=" + template.URLQueryEscaper(e.GroupID)),
		Data:   e,
	})
	return Email{Subject: subject, HTML: html}, err
}

func (r *Renderer) Invitation(in Invitation) (Email, error) {
	subject := "You've been invited to " + in.GroupName + "!"
	html, err := r.render("invitation", view{
		Title:  "New group",
		Footer: "You receive this because group alerts are on.",
		Link:   r.link("/groups/" + template.URLQueryEscaper(in.GroupID)),
		Data:   in,
	})
	return Email{Subject: subject, HTML: html}, err
}

func (r *Renderer) Balance(b Balance) (Email, error) {
	subject := "Your balance changed in " + b.GroupName
	html, err := r.render("balance", view{
		Title:  "Balance update",
		Footer: "You receive this because balance alerts are on.",
		Link:   r.link("/groups/" + template.URLQueryEscaper(b.GroupID)),
		Data:   b,
	})
	return Email{Subject: subject, HTML: html}, err
}

func (r *Renderer) Summary(s Summary) (Email, error) {
	if s.Period == "" {
		s.Period = "week"
	}
	subject := fmt.Sprintf("You have %d pending notifications", len(s.Items))
	if len(s.Items) == 1 {
		subject = "You have 1 pending notification"
	}
	html, err := r.render("summary", view{
		Title:  "Your summary",
		Footer: "Change the digest frequency in your notification settings.",
		Link:   r.link("/notifications"),
		Data:   s,
	})
	return Email{Subject: subject, HTML: html}, err
}

func (r *Renderer) Welcome(w Welcome) (Email, error) {
	subject := "Welcome!"
	if w.Name != "" {
		subject = "Welcome, " + w.Name + "!"
	}
	html, err := r.render("welcome", view{
		Title:  "Welcome",
		Footer: "Questions? Just reply to this email.",
		Link:   r.link("/groups"),
		Data:   w,
	})
	return Email{Subject: subject, HTML: html}, err
}
