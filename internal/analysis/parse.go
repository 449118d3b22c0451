package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"scenegrouper/internal/models"
)

// ErrModelBadJSON is returned when the answer holds no usable JSON object
var ErrModelBadJSON = errors.New("model returned invalid JSON")

// Models are loose with types; hashtags and keywords arrive as either a
// string or an array.
type rawResult struct {
	Title            string          `json:"title"`
	Caption          string          `json:"caption"`
	Description      string          `json:"description"`
	Keywords         json.RawMessage `json:"keywords"`
	Hashtags         json.RawMessage `json:"hashtags"`
	Category         string          `json:"category"`
	SceneType        string          `json:"sceneType"`
	Mood             string          `json:"mood"`
	City             string          `json:"city"`
	State            string          `json:"state"`
	Country          string          `json:"country"`
	SpecificLocation string          `json:"specificLocation"`
	GPS              *struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	} `json:"gps"`
}

// Parse extracts an AnalysisResult from a model answer. Markdown code fences
// and text around the outermost JSON object are ignored.
func Parse(answer string) (*models.AnalysisResult, error) {
	body, ok := extractObject(answer)
	if !ok {
		return nil, fmt.Errorf("%w: no JSON object in %q", ErrModelBadJSON, truncate(answer, 80))
	}

	var raw rawResult
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelBadJSON, err)
	}

	res := &models.AnalysisResult{
		Title:            strings.TrimSpace(raw.Title),
		Caption:          strings.TrimSpace(raw.Caption),
		Description:      strings.TrimSpace(raw.Description),
		Category:         strings.TrimSpace(raw.Category),
		SceneType:        strings.TrimSpace(raw.SceneType),
		Mood:             strings.TrimSpace(raw.Mood),
		City:             strings.TrimSpace(raw.City),
		State:            strings.TrimSpace(raw.State),
		Country:          strings.TrimSpace(raw.Country),
		SpecificLocation: strings.TrimSpace(raw.SpecificLocation),
	}

	keywords, err := stringList(raw.Keywords, ",")
	if err != nil {
		return nil, fmt.Errorf("%w: keywords: %w", ErrModelBadJSON, err)
	}
	res.Keywords = lo.UniqBy(keywords, strings.ToLower)

	hashtags, err := stringList(raw.Hashtags, " ")
	if err != nil {
		return nil, fmt.Errorf("%w: hashtags: %w", ErrModelBadJSON, err)
	}
	res.Hashtags = strings.Join(lo.Map(hashtags, func(h string, _ int) string {
		if strings.HasPrefix(h, "#") {
			return h
		}
		return "#" + h
	}), " ")

	if g := raw.GPS; g != nil && g.Latitude != nil && g.Longitude != nil &&
		*g.Latitude >= -90 && *g.Latitude <= 90 && *g.Longitude >= -180 && *g.Longitude <= 180 {
		res.GPS = &models.GPS{Latitude: *g.Latitude, Longitude: *g.Longitude, Source: models.GPSSourceAI}
	}

	return res, nil
}

// stringList accepts null, "a<sep>b" or ["a","b"]
func stringList(raw json.RawMessage, sep string) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return []string{}, nil
	}

	var items []string
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if sep == " " {
			items = strings.Fields(s)
		} else {
			items = strings.Split(s, sep)
		}
	} else if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}

	return lo.FilterMap(items, func(item string, _ int) (string, bool) {
		item = strings.TrimSpace(item)
		return item, item != ""
	}), nil
}

func extractObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
