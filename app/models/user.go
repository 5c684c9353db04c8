package models

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	STATUS_ACTIVE   = "active"
	STATUS_DISABLED = "disabled"
)

// User is the local account that owns payments and subscriptions. The Stripe
// customer reference is how provider events find their owner.
type User struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	Name              string    `gorm:"type:varchar(150)" json:"name" validate:"required,min=3,max=150"`
	Email             string    `gorm:"uniqueIndex;type:varchar(200)" json:"email" validate:"required,email,min=5,max=200"`
	Status            string    `gorm:"type:varchar(50);default:'active'" json:"status" validate:"oneof=active disabled"`
	StripeCustomerRef *string   `gorm:"type:varchar(191);uniqueIndex:ux_users_stripe_customer_ref" json:"stripe_customer_ref,omitempty" validate:"omitempty,startswith=cus_"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

func CreateUser(name string, email string) (*User, error) {
	u := &User{
		Name:   strings.TrimSpace(name),
		Email:  strings.ToLower(strings.TrimSpace(email)),
		Status: STATUS_ACTIVE,
	}

	if err := u.Validate(); err != nil {
		return nil, err
	}

	return u, nil
}

// IsActive reports whether the user status is active
func (u *User) IsActive() bool {
	return u.Status == STATUS_ACTIVE
}

// LinkStripeCustomer stores the provider customer reference.
func (u *User) LinkStripeCustomer(ref string) error {
	ref = strings.TrimSpace(ref)
	u.StripeCustomerRef = &ref
	return u.Validate()
}
