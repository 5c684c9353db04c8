package repository

import "github.com/ManuelReschke/LedgerFox/app/models"

// UserRepository defines the interface for user-related database operations.
// It also serves as the billing engine's user directory.
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	GetByStripeCustomerRef(ref string) (*models.User, error)
	SetStripeCustomerRef(userID uint, ref string) error
	Update(user *models.User) error
	List(offset, limit int) ([]models.User, error)
	Count() (int64, error)
}
