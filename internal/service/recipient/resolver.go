package recipient

import (
	"context"
	"fmt"
	"strings"

	"github.com/acme/outbound-followup-engine/internal/domain"
	"github.com/acme/outbound-followup-engine/internal/repository"
	apperrors "github.com/acme/outbound-followup-engine/pkg/errors"
)

// Resolver expands campaign targeting into an ordered, deduplicated
// recipient list.
type Resolver struct {
	contacts repository.ContactDirectory
}

// NewResolver constructs a resolver backed by the contact directory.
func NewResolver(contacts repository.ContactDirectory) *Resolver {
	return &Resolver{contacts: contacts}
}

// Resolve returns recipients in input order, first occurrence winning.
// Explicit numbers bypass list suppression. Blocked list members are dropped.
func (r *Resolver) Resolve(ctx context.Context, targeting domain.Targeting) ([]domain.Recipient, error) {
	var out []domain.Recipient
	seen := make(map[string]struct{})
	add := func(phone string, contact *domain.Contact) {
		phone = strings.TrimSpace(phone)
		if phone == "" {
			return
		}
		if _, dup := seen[phone]; dup {
			return
		}
		seen[phone] = struct{}{}
		rec := domain.Recipient{Position: len(out) + 1, PhoneNumber: phone}
		if contact != nil {
			id := contact.ID
			rec.ContactID = &id
			rec.Attributes = contact.Attributes
		}
		out = append(out, rec)
	}

	switch {
	case len(targeting.Numbers) > 0:
		for _, n := range targeting.Numbers {
			add(n, nil)
		}
	case targeting.ListID != nil:
		members, err := r.contacts.ResolveList(ctx, *targeting.ListID)
		if err != nil {
			if apperrors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("%w: contact list %s not found", apperrors.ErrEmptyTargetSet, targeting.ListID)
			}
			return nil, fmt.Errorf("recipient resolver: resolve list: %w", err)
		}
		for i := range members {
			if members[i].Blocked {
				continue
			}
			add(members[i].PhoneNumber, &members[i])
		}
	}

	if len(out) == 0 {
		return nil, apperrors.ErrEmptyTargetSet
	}
	return out, nil
}
