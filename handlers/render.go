// harei/handlers/render.go

package handlers

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gorilla/csrf"
	"github.com/yuin/goldmark"
	goldmarkHTML "github.com/yuin/goldmark/renderer/html"
	"go.uber.org/zap"

	"harei/calendar"
	"harei/config"
	"harei/settings"
)

var (
	templates *template.Template

	// Raw HTML in message bodies is escaped since WithUnsafe is not set.
	mdRenderer = goldmark.New(
		goldmark.WithRendererOptions(
			goldmarkHTML.WithHardWraps(),
		),
	)
)

// renderMarkdown turns a visitor's message into safe HTML.
func renderMarkdown(s string) template.HTML {
	var buf bytes.Buffer
	if err := mdRenderer.Convert([]byte(s), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(s))
	}
	return template.HTML(buf.String())
}

// LoadTemplates parses all HTML files from dir.
func LoadTemplates(dir string) error {
	funcMap := template.FuncMap{
		"markdown":       renderMarkdown,
		"formatDateTime": func(s string) string { return calendar.FormatDateTime(s, calendar.UTC8) },
		"dict": func(values ...any) (map[string]any, error) {
			if len(values)%2 != 0 {
				return nil, fmt.Errorf("invalid dict call")
			}
			dict := make(map[string]any, len(values)/2)
			for i := 0; i < len(values); i += 2 {
				key, ok := values[i].(string)
				if !ok {
					return nil, fmt.Errorf("dict keys must be strings")
				}
				dict[key] = values[i+1]
			}
			return dict, nil
		},
		"default": func(dflt, val string) string {
			if val == "" {
				return dflt
			}
			return val
		},
		"add":  func(a, b int) int { return a + b },
		"join": strings.Join,
	}
	templateFiles, err := filepath.Glob(filepath.Join(dir, "*.html"))
	if err != nil {
		return fmt.Errorf("failed to find templates: %w", err)
	}
	if len(templateFiles) == 0 {
		return fmt.Errorf("no templates found in %s", dir)
	}
	parsed, err := template.New("").Funcs(funcMap).ParseFiles(templateFiles...)
	if err != nil {
		return fmt.Errorf("failed to parse templates: %w", err)
	}
	templates = parsed
	return nil
}

// render executes contentTmpl and wraps it in layout.
func render(w http.ResponseWriter, r *http.Request, app App, layout, contentTmpl string, data map[string]any) {
	logger := app.Logger().With(zap.String("template", contentTmpl))
	if data == nil {
		data = make(map[string]any)
	}

	area := settings.AreaForPath(r.URL.Path)
	enabled, err := app.Settings().Enabled(r.Context(), clientID(r), area)
	if err != nil {
		logger.Warn("Failed to read background setting", zap.Error(err))
	}

	data["AppVersion"] = config.AppVersion
	data["SiteName"] = config.SiteName
	data["Path"] = r.URL.Path
	data["Area"] = string(area)
	data["BackgroundEnabled"] = enabled
	data["csrfField"] = csrf.TemplateField(r)
	data["csrfToken"] = csrf.Token(r)

	contentBuf := new(bytes.Buffer)
	if err := templates.ExecuteTemplate(contentBuf, contentTmpl, data); err != nil {
		logger.Error("Error rendering content template", zap.Error(err))
		http.Error(w, "Failed to render page content", http.StatusInternalServerError)
		return
	}
	data["Content"] = template.HTML(contentBuf.String())

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := templates.ExecuteTemplate(w, layout, data); err != nil {
		logger.Error("Error rendering layout template", zap.String("layout", layout), zap.Error(err))
	}
}
