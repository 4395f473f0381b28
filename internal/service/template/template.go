// Package template validates campaign parameters against a provider template
// and renders follow-up message text.
package template

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/acme/outbound-followup-engine/internal/domain"
	"github.com/acme/outbound-followup-engine/internal/provider"
	apperrors "github.com/acme/outbound-followup-engine/pkg/errors"
)

// MissingMarker replaces placeholders with no known attribute value.
const MissingMarker = ""

// Params are the values a campaign supplies for a template.
type Params struct {
	ImageURL   string
	BodyParams []string
}

var (
	bodyPlaceholder = regexp.MustCompile(`\{\{\s*(\d+)\s*\}\}`)
	namedKey        = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)
)

// Validate checks that params satisfy every required parameter of tpl.
func Validate(tpl domain.Template, params Params) error {
	for _, c := range tpl.Components {
		switch c.Type {
		case domain.ComponentHeader:
			if c.Format == domain.FormatImage {
				if err := validateImageURL(params.ImageURL); err != nil {
					return err
				}
			}
		case domain.ComponentBody:
			if need := requiredBodyParams(c.Text); len(params.BodyParams) < need {
				return fmt.Errorf("%w: template %q body needs %d parameters, got %d",
					apperrors.ErrMissingRequiredParameter, tpl.Name, need, len(params.BodyParams))
			}
		}
	}
	return nil
}

func validateImageURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: image_url is required by the template header", apperrors.ErrMissingRequiredParameter)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%w: image_url must be an absolute https URL", apperrors.ErrMissingRequiredParameter)
	}
	return nil
}

func requiredBodyParams(text string) int {
	max := 0
	for _, m := range bodyPlaceholder.FindAllStringSubmatch(text, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	}
	return max
}

// BuildComponents builds the provider component payload for a validated template.
func BuildComponents(tpl domain.Template, params Params) []provider.Component {
	var out []provider.Component
	for _, c := range tpl.Components {
		switch {
		case c.Type == domain.ComponentHeader && c.Format == domain.FormatImage:
			out = append(out, provider.Component{
				Type:       "header",
				Parameters: []provider.Parameter{{Type: "image", Image: &provider.Media{Link: params.ImageURL}}},
			})
		case c.Type == domain.ComponentBody:
			need := requiredBodyParams(c.Text)
			if need == 0 {
				continue
			}
			ps := make([]provider.Parameter, 0, need)
			for i := 0; i < need && i < len(params.BodyParams); i++ {
				ps = append(ps, provider.Parameter{Type: "text", Text: params.BodyParams[i]})
			}
			out = append(out, provider.Component{Type: "body", Parameters: ps})
		}
	}
	return out
}

// Render substitutes {key} placeholders from attrs. Unknown keys render as
// MissingMarker. Render never fails.
func Render(text string, attrs map[string]string) string {
	return namedKey.ReplaceAllStringFunc(text, func(m string) string {
		key := m[1 : len(m)-1]
		if v, ok := attrs[key]; ok {
			return v
		}
		return MissingMarker
	})
}
