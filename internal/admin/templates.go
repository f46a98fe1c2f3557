package admin

import (
	"embed"
	"encoding/json"
	"html/template"
	"io"
	"time"
)

//go:embed templates/*.html static/*
var content embed.FS

var funcs = template.FuncMap{
	"formatTime": func(t time.Time) string {
		return t.UTC().Format(time.RFC3339)
	},
	// formatValue renders a flag value the way the API encodes it.
	"formatValue": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return "?"
		}
		return string(b)
	},
	"formatBounds": func(lo, hi [3]float64) string {
		b, _ := json.Marshal([2][3]float64{lo, hi})
		return string(b)
	},
	"rawJSON": func(raw json.RawMessage) string {
		if len(raw) == 0 {
			return ""
		}
		return string(raw)
	},
}

// Render renders a page template inside base.html.
func Render(w io.Writer, name string, data any) error {
	tmpl, err := template.New("base.html").Funcs(funcs).
		ParseFS(content, "templates/base.html", "templates/"+name)
	if err != nil {
		return err
	}
	return tmpl.Execute(w, data)
}
