package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/fiffu/campwatch/lib/models"
	"gorm.io/gorm"
)

var ErrUnknownUser = errors.New("unknown user")

// Recipients resolves contact details. Profiles are owned elsewhere; this is read-only.
type Recipients interface {
	Recipient(ctx context.Context, userID uint) (*models.User, error)
}

type userStore struct {
	db *gorm.DB
}

func NewRecipients(db *gorm.DB) Recipients {
	return &userStore{db}
}

func (s *userStore) Recipient(ctx context.Context, userID uint) (*models.User, error) {
	user := &models.User{}
	tx := s.db.WithContext(ctx).First(user, userID)
	if err := tx.Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownUser, userID)
	} else if err != nil {
		return nil, err
	}
	return user, nil
}
