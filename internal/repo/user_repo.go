// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the User model,
// mainly the email → billing-account linkage maintained by the payment
// webhook.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/gptbase/chat-backend/internal/domain"
)

// UpsertUser inserts a user row if absent; an existing row is left untouched
// except for the email, which is refreshed.
func UpsertUser(ctx context.Context, db *gorm.DB, id, email string) error {
	var u domain.User
	err := db.WithContext(ctx).Where("id = ?", id).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.WithContext(ctx).Create(&domain.User{
			ID:        id,
			Email:     email,
			CreatedAt: time.Now().UTC(),
		}).Error
	}
	if err != nil {
		return err
	}
	if u.Email != email {
		return db.WithContext(ctx).Model(&u).Update("email", email).Error
	}
	return nil
}

// SetUserStripeIDByEmail records the billing-account id for the user with the
// given email. Returns ErrNotFound if no such user exists.
func SetUserStripeIDByEmail(ctx context.Context, db *gorm.DB, email, stripeID string) error {
	res := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("email = ?", email).
		Update("stripe_id", stripeID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetUser fetches a user by id, or ErrNotFound if missing.
func GetUser(ctx context.Context, db *gorm.DB, id string) (*domain.User, error) {
	var u domain.User
	err := db.WithContext(ctx).Where("id = ?", id).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
