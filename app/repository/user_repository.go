package repository

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ManuelReschke/LedgerFox/app/models"
	"gorm.io/gorm"
)

// userRepository implements the UserRepository interface
type userRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new user repository instance
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

// Create creates a new user in the database
func (r *userRepository) Create(user *models.User) error {
	return r.db.Create(user).Error
}

// GetByID retrieves a user by their ID
func (r *userRepository) GetByID(id uint) (*models.User, error) {
	var user models.User
	err := r.db.First(&user, id).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByEmail retrieves a user by their email address
func (r *userRepository) GetByEmail(email string) (*models.User, error) {
	var user models.User
	err := r.db.Where("email = ?", strings.ToLower(strings.TrimSpace(email))).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByStripeCustomerRef finds the owner of a provider customer.
func (r *userRepository) GetByStripeCustomerRef(ref string) (*models.User, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var user models.User
	err := r.db.Where("stripe_customer_ref = ?", ref).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// SetStripeCustomerRef links a provider customer to a user that has none yet.
// Linking a different customer to an already linked user is refused.
func (r *userRepository) SetStripeCustomerRef(userID uint, ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return errors.New("customer reference is required")
	}
	res := r.db.Model(&models.User{}).
		Where("id = ? AND (stripe_customer_ref IS NULL OR stripe_customer_ref = '' OR stripe_customer_ref = ?)", userID, ref).
		Update("stripe_customer_ref", ref)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetByID(userID); err != nil {
			return err
		}
		return fmt.Errorf("user %d is already linked to another customer", userID)
	}
	return nil
}

// Update updates an existing user
func (r *userRepository) Update(user *models.User) error {
	return r.db.Save(user).Error
}

// List retrieves users with pagination
func (r *userRepository) List(offset, limit int) ([]models.User, error) {
	var users []models.User
	err := r.db.Order("id ASC").Offset(offset).Limit(limit).Find(&users).Error
	return users, err
}

// Count returns the total number of users
func (r *userRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.User{}).Count(&count).Error
	return count, err
}
