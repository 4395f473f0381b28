package domain

import "github.com/google/uuid"

// ComponentType is the block type of a provider template.
type ComponentType string

const (
	ComponentHeader  ComponentType = "HEADER"
	ComponentBody    ComponentType = "BODY"
	ComponentFooter  ComponentType = "FOOTER"
	ComponentButtons ComponentType = "BUTTONS"
)

// ComponentFormat is the media format of a header block.
type ComponentFormat string

const (
	FormatText     ComponentFormat = "TEXT"
	FormatImage    ComponentFormat = "IMAGE"
	FormatVideo    ComponentFormat = "VIDEO"
	FormatDocument ComponentFormat = "DOCUMENT"
)

// Template is a provider-approved message template.
type Template struct {
	Name       string
	Language   string
	Components []TemplateComponent
}

// TemplateComponent is one typed block of a template.
type TemplateComponent struct {
	Type   ComponentType
	Format ComponentFormat
	Text   string
}

// Contact is a known recipient from the contact directory.
type Contact struct {
	ID          uuid.UUID
	PhoneNumber string
	Blocked     bool
	Attributes  map[string]string
}
