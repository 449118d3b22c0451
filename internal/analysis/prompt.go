package analysis

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"

	"scenegrouper/internal/models"
)

// ResponseFields lists the JSON keys the model is asked to return
const ResponseFields = `title, caption, description, keywords (array of strings), hashtags, ` +
	`category, sceneType, mood, city, state, country, specificLocation, ` +
	`gps ({"latitude": number, "longitude": number} or null)`

var defaultPrompt = template.Must(template.New("prompt").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(`Analyze this photograph (file: {{.Filename}}).
{{- if .Keywords}}
The photographer tagged it with: {{join .Keywords ", "}}.
{{- end}}
{{- if .GPS}}
It was taken at latitude {{printf "%.6f" .GPS.Latitude}}, longitude {{printf "%.6f" .GPS.Longitude}}; use this to identify the location.
{{- end}}
Respond with a single JSON object and nothing else, with these fields: {{.Fields}}.`))

// Prompt returns the prompt for a group: the main representative's custom
// prompt when set, otherwise the default template.
func Prompt(g *models.SuperGroup) string {
	if g.MainRep.CustomPrompt != "" {
		return g.MainRep.CustomPrompt
	}
	return DefaultPrompt(g.MainRep)
}

// DefaultPrompt composes the prompt from filename, keywords and GPS
func DefaultPrompt(c *models.Cluster) string {
	data := struct {
		Filename string
		Keywords []string
		GPS      *models.GPS
		Fields   string
	}{
		Filename: filepath.Base(c.Representative),
		Keywords: c.Keywords,
		GPS:      c.GPS,
		Fields:   ResponseFields,
	}

	var buf bytes.Buffer
	if err := defaultPrompt.Execute(&buf, data); err != nil {
		// Only reachable through a template bug
		panic(fmt.Sprintf("prompt template: %v", err))
	}
	return buf.String()
}
