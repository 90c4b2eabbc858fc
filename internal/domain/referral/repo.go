package referral

import (
	"context"
)

// Repository persists referral documents keyed by id.
//
// Save replaces the whole stored document; there is no version check, so two
// concurrent writers to one referral resolve as last-write-wins and the
// earlier change is lost.
type Repository interface {
	GetAll(ctx context.Context) ([]*Referral, error)
	GetByID(ctx context.Context, id string) (*Referral, error)
	Save(ctx context.Context, r *Referral) error
	FindByIDAndDOB(ctx context.Context, id, dob string) (*Referral, error)
	Search(ctx context.Context, params SearchParams) ([]*Referral, int, error)
}
