package template

import (
	"testing"

	"github.com/acme/outbound-followup-engine/internal/domain"
	apperrors "github.com/acme/outbound-followup-engine/pkg/errors"
)

var imageTemplate = domain.Template{
	Name:     "promo_imagen",
	Language: "es_MX",
	Components: []domain.TemplateComponent{
		{Type: domain.ComponentHeader, Format: domain.FormatImage},
		{Type: domain.ComponentBody, Text: "Hola {{1}}, tenemos una oferta"},
	},
}

func TestValidateImageHeaderRequiresURL(t *testing.T) {
	err := Validate(imageTemplate, Params{BodyParams: []string{"Ana"}})
	if !apperrors.Is(err, apperrors.ErrMissingRequiredParameter) {
		t.Fatalf("expected ErrMissingRequiredParameter, got %v", err)
	}
}

func TestValidateImageURLMustBeHTTPS(t *testing.T) {
	for _, raw := range []string{"http://cdn.example.com/a.png", "cdn.example.com/a.png", "https://"} {
		err := Validate(imageTemplate, Params{ImageURL: raw, BodyParams: []string{"Ana"}})
		if !apperrors.Is(err, apperrors.ErrMissingRequiredParameter) {
			t.Fatalf("%q: expected ErrMissingRequiredParameter, got %v", raw, err)
		}
	}
}

func TestValidateAcceptsCompleteParams(t *testing.T) {
	err := Validate(imageTemplate, Params{ImageURL: "https://cdn.example.com/a.png", BodyParams: []string{"Ana"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateBodyParams(t *testing.T) {
	tpl := domain.Template{Name: "recordatorio", Components: []domain.TemplateComponent{
		{Type: domain.ComponentBody, Text: "Hola {{1}}, tu cita es el {{2}}"},
	}}
	if err := Validate(tpl, Params{BodyParams: []string{"Ana"}}); !apperrors.Is(err, apperrors.ErrMissingRequiredParameter) {
		t.Fatalf("expected ErrMissingRequiredParameter, got %v", err)
	}
	if err := Validate(tpl, Params{BodyParams: []string{"Ana", "lunes"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateTextHeaderNeedsNothing(t *testing.T) {
	tpl := domain.Template{Name: "hola", Components: []domain.TemplateComponent{
		{Type: domain.ComponentHeader, Format: domain.FormatText, Text: "Bienvenido"},
		{Type: domain.ComponentBody, Text: "Gracias por escribirnos"},
	}}
	if err := Validate(tpl, Params{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBuildComponents(t *testing.T) {
	got := BuildComponents(imageTemplate, Params{ImageURL: "https://cdn.example.com/a.png", BodyParams: []string{"Ana", "extra"}})
	if len(got) != 2 {
		t.Fatalf("expected header and body components, got %+v", got)
	}
	if got[0].Type != "header" || got[0].Parameters[0].Image == nil || got[0].Parameters[0].Image.Link != "https://cdn.example.com/a.png" {
		t.Fatalf("unexpected header %+v", got[0])
	}
	if got[1].Type != "body" || len(got[1].Parameters) != 1 || got[1].Parameters[0].Text != "Ana" {
		t.Fatalf("unexpected body %+v", got[1])
	}
}

func TestRender(t *testing.T) {
	attrs := map[string]string{"nombre": "Ana", "precio": "$1,200"}
	cases := []struct {
		in   string
		want string
	}{
		{"Hola {nombre}, el precio es {precio}", "Hola Ana, el precio es $1,200"},
		{"Hola {nombre}, tu asesor es {asesor}", "Hola Ana, tu asesor es "},
		{"Sin variables", "Sin variables"},
		{"Llaves {sueltas", "Llaves {sueltas"},
		{"{nombre}{nombre}", "AnaAna"},
	}
	for _, tc := range cases {
		if got := Render(tc.in, attrs); got != tc.want {
			t.Fatalf("Render(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	if got := Render("Hola {nombre}", nil); got != "Hola " {
		t.Fatalf("expected missing marker with nil attrs, got %q", got)
	}
}
