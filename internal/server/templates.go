package server

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"

	"github.com/Tyrowin/groupchat/internal/auth"
	"github.com/Tyrowin/groupchat/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

// Page templates.
const (
	pageIndex    = "index.html"
	pageLogin    = "login.html"
	pageRegister = "register.html"
)

type pageData struct {
	Title     string
	User      *store.User
	Flashes   []auth.Flash
	Users     []store.User
	Messages  []store.Message
	Online    []string
	Username  string
	Errors    map[string]string
	FormError string

	// OnlineCounts seeds the live online list kept by the page script.
	OnlineCounts map[string]int
}

type templates map[string]*template.Template

var templateFuncs = template.FuncMap{
	"timestamp": func(m store.Message) string {
		return m.CreatedAt.Local().Format("15:04:05")
	},
}

func parseTemplates() (templates, error) {
	set := make(templates)
	for _, page := range []string{pageIndex, pageLogin, pageRegister} {
		tmpl, err := template.New("layout.html").Funcs(templateFuncs).
			ParseFS(templateFS, "templates/layout.html", "templates/"+page)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", page, err)
		}
		set[page] = tmpl
	}
	return set, nil
}

// render executes page into a buffer first so a template failure can still
// produce a clean 500.
func (t templates) render(w http.ResponseWriter, status int, page string, data pageData) error {
	tmpl, ok := t[page]
	if !ok {
		return fmt.Errorf("unknown template %s", page)
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout.html", data); err != nil {
		return fmt.Errorf("executing template %s: %w", page, err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}
