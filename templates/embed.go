package templates

import (
	"embed"
	"text/template"
	"time"
)

//go:embed *.tmpl
var FS embed.FS

var funcs = template.FuncMap{
	"ms": func(d time.Duration) string {
		return d.Round(time.Microsecond).String()
	},
}

// LoadTemplates loads all templates from the embedded filesystem
func LoadTemplates() (*template.Template, error) {
	return template.New("").Funcs(funcs).ParseFS(FS, "*.tmpl")
}
