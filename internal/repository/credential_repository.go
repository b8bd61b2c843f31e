package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/palmid/internal/credential"
	"github.com/example/palmid/internal/palm"
	"github.com/example/palmid/internal/palmerr"
	"github.com/example/palmid/internal/secure"
)

// UserModel is a persisted credential record.
type UserModel struct {
	Key          string    `gorm:"column:key;primaryKey;size:64"`
	Username     string    `gorm:"column:username;size:255;not null"`
	UniqueID     *string   `gorm:"column:unique_id;uniqueIndex;size:255"`
	FactorMask   uint32    `gorm:"column:factor_mask"`
	Metadata     []byte    `gorm:"column:metadata"`
	PasscodeHash []byte    `gorm:"column:passcode_hash"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (UserModel) TableName() string { return "palm_users" }

// TemplateModel is a persisted template. Seq preserves enrollment order.
type TemplateModel struct {
	Seq        uint      `gorm:"column:seq;primaryKey"`
	TemplateID string    `gorm:"column:template_id;uniqueIndex;size:64;not null"`
	UserKey    string    `gorm:"column:user_key;index;size:64;not null"`
	Factor     int       `gorm:"column:factor"`
	Payload    []byte    `gorm:"column:payload;not null"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (TemplateModel) TableName() string { return "palm_templates" }

// RetiredTemplate records template ids that were removed so they are never
// persisted again.
type RetiredTemplate struct {
	TemplateID string    `gorm:"column:template_id;primaryKey;size:64"`
	RetiredAt  time.Time `gorm:"column:retired_at"`
}

// TableName overrides the default table name.
func (RetiredTemplate) TableName() string { return "palm_retired_templates" }

// CredentialRepository is the postgres backed credential.Store.
type CredentialRepository struct {
	db *gorm.DB
	retryPolicy
}

// NewCredentialRepository creates a new repository instance.
func NewCredentialRepository(db *gorm.DB, logger *zap.Logger) *CredentialRepository {
	return &CredentialRepository{db: db, retryPolicy: defaultRetryPolicy(logger.Named("credential_repository"))}
}

// Init migrates the schema and makes sure the default user exists.
func (r *CredentialRepository) Init(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.credential.init", "", func() error {
		if err := r.db.WithContext(ctx).AutoMigrate(&UserModel{}, &TemplateModel{}, &RetiredTemplate{}); err != nil {
			return err
		}
		return ensureDefaultUser(r.db.WithContext(ctx))
	})
}

// Close releases the underlying connection pool.
func (r *CredentialRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func ensureDefaultUser(tx *gorm.DB) error {
	def := UserModel{Key: string(credential.DefaultUserKey), Username: string(credential.DefaultUserKey), CreatedAt: time.Now().UTC()}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&def).Error
}

func (r *CredentialRepository) LookupCandidateTemplates(ctx context.Context, user credential.UserKey) ([]palm.Template, error) {
	var rows []TemplateModel
	err := r.executeWithRetry(ctx, "repository.credential.lookup", string(user), func() error {
		return r.db.WithContext(ctx).Where("user_key = ?", string(user)).Order("seq").Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	out := make([]palm.Template, 0, len(rows))
	for _, row := range rows {
		out = append(out, palm.Template{ID: palm.TemplateID(row.TemplateID), Payload: row.Payload})
	}
	return out, nil
}

func (r *CredentialRepository) PersistTemplate(ctx context.Context, user credential.UserKey, factor credential.Factor, t palm.Template) error {
	if err := credential.ValidateTemplate(factor, t); err != nil {
		return err
	}
	return r.executeWithRetry(ctx, "repository.credential.persist_template", t.ID.String(), func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			u, err := lockUser(tx, user)
			if err != nil {
				return err
			}
			var used int64
			if err := tx.Model(&RetiredTemplate{}).Where("template_id = ?", t.ID.String()).Count(&used).Error; err != nil {
				return err
			}
			if used > 0 {
				return palmerr.Newf(palmerr.KindInvalidArgument, "template %s was removed and cannot be reused", t.ID)
			}
			if err := tx.Model(&TemplateModel{}).Where("template_id = ?", t.ID.String()).Count(&used).Error; err != nil {
				return err
			}
			if used > 0 {
				return palmerr.Newf(palmerr.KindInvalidArgument, "template %s already persisted", t.ID)
			}
			row := TemplateModel{
				TemplateID: t.ID.String(),
				UserKey:    u.Key,
				Factor:     int(factor),
				Payload:    t.Payload,
				CreatedAt:  time.Now().UTC(),
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			mask := credential.FactorSetFromMask(u.FactorMask).With(factor).Mask()
			return tx.Model(&UserModel{}).Where("key = ?", u.Key).Update("factor_mask", mask).Error
		})
	})
}

func (r *CredentialRepository) RemoveTemplate(ctx context.Context, id palm.TemplateID) error {
	return r.executeWithRetry(ctx, "repository.credential.remove_template", id.String(), func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var row TemplateModel
			if err := tx.First(&row, "template_id = ?", id.String()).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return palmerr.Newf(palmerr.KindNotFound, "template %s not found", id)
				}
				return err
			}
			u, err := lockUser(tx, credential.UserKey(row.UserKey))
			if err != nil {
				return err
			}
			if err := tx.Delete(&row).Error; err != nil {
				return err
			}
			if err := retire(tx, row.TemplateID); err != nil {
				return err
			}
			return r.refreshPalmFactors(tx, u)
		})
	})
}

func (r *CredentialRepository) refreshPalmFactors(tx *gorm.DB, u *UserModel) error {
	var factors []int
	if err := tx.Model(&TemplateModel{}).Where("user_key = ?", u.Key).Distinct().Pluck("factor", &factors).Error; err != nil {
		return err
	}
	set := credential.FactorSetFromMask(u.FactorMask).Without(credential.LeftPalm).Without(credential.RightPalm)
	for _, f := range factors {
		set = set.With(credential.Factor(f))
	}
	return tx.Model(&UserModel{}).Where("key = ?", u.Key).Update("factor_mask", set.Mask()).Error
}

func retire(tx *gorm.DB, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]RetiredTemplate, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, RetiredTemplate{TemplateID: id, RetiredAt: now})
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func lockUser(tx *gorm.DB, key credential.UserKey) (*UserModel, error) {
	var u UserModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&u, "key = ?", string(key)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, palmerr.Newf(palmerr.KindNotFound, "user %s not found", key)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *CredentialRepository) ListUsers(ctx context.Context) ([]credential.UserRecord, error) {
	var users []UserModel
	var templates []TemplateModel
	err := r.executeWithRetry(ctx, "repository.credential.list_users", "", func() error {
		db := r.db.WithContext(ctx)
		if err := db.Order("created_at, key").Find(&users).Error; err != nil {
			return err
		}
		return db.Order("seq").Find(&templates).Error
	})
	if err != nil {
		return nil, err
	}
	byUser := map[string][]TemplateModel{}
	for _, t := range templates {
		byUser[t.UserKey] = append(byUser[t.UserKey], t)
	}
	out := make([]credential.UserRecord, 0, len(users))
	for i := range users {
		out = append(out, toRecord(&users[i], byUser[users[i].Key]))
	}
	return out, nil
}

func (r *CredentialRepository) User(ctx context.Context, key credential.UserKey) (credential.UserRecord, error) {
	var u UserModel
	var templates []TemplateModel
	err := r.executeWithRetry(ctx, "repository.credential.user", string(key), func() error {
		db := r.db.WithContext(ctx)
		if err := db.First(&u, "key = ?", string(key)).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return palmerr.Newf(palmerr.KindNotFound, "user %s not found", key)
			}
			return err
		}
		return db.Where("user_key = ?", u.Key).Order("seq").Find(&templates).Error
	})
	if err != nil {
		return credential.UserRecord{}, err
	}
	return toRecord(&u, templates), nil
}

func toRecord(u *UserModel, templates []TemplateModel) credential.UserRecord {
	rec := credential.UserRecord{
		Key:       credential.UserKey(u.Key),
		Username:  u.Username,
		UniqueID:  u.UniqueID,
		Factors:   credential.FactorSetFromMask(u.FactorMask),
		Metadata:  u.Metadata,
		CreatedAt: u.CreatedAt,
	}
	for _, t := range templates {
		rec.Templates = append(rec.Templates, credential.EnrolledTemplate{
			Template:  palm.Template{ID: palm.TemplateID(t.TemplateID), Payload: t.Payload},
			Factor:    credential.Factor(t.Factor),
			CreatedAt: t.CreatedAt,
		})
	}
	return rec
}

func (r *CredentialRepository) CreateUser(ctx context.Context, username string, uniqueID *string) (credential.UserRecord, error) {
	if username == "" {
		return credential.UserRecord{}, palmerr.New(palmerr.KindInvalidArgument, "username is required")
	}
	u := UserModel{Key: uuid.NewString(), Username: username, UniqueID: uniqueID, CreatedAt: time.Now().UTC()}
	err := r.executeWithRetry(ctx, "repository.credential.create_user", u.Key, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if uniqueID != nil {
				var n int64
				if err := tx.Model(&UserModel{}).Where("unique_id = ?", *uniqueID).Count(&n).Error; err != nil {
					return err
				}
				if n > 0 {
					return palmerr.Newf(palmerr.KindUserAlreadyExists, "user with unique id %q already exists", *uniqueID)
				}
			}
			err := tx.Create(&u).Error
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return palmerr.Wrap(palmerr.KindUserAlreadyExists, "user already exists", err)
			}
			return err
		})
	})
	if err != nil {
		return credential.UserRecord{}, err
	}
	return toRecord(&u, nil), nil
}

func (r *CredentialRepository) RemoveUser(ctx context.Context, key credential.UserKey) error {
	if key == credential.DefaultUserKey {
		return palmerr.New(palmerr.KindInvalidArgument, "the default user cannot be removed, unregister it instead")
	}
	return r.Unregister(ctx, key)
}

func (r *CredentialRepository) Unregister(ctx context.Context, key credential.UserKey) error {
	return r.executeWithRetry(ctx, "repository.credential.unregister", string(key), func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			u, err := lockUser(tx, key)
			if err != nil {
				return err
			}
			if err := wipeTemplates(tx, "user_key = ?", u.Key); err != nil {
				return err
			}
			if key == credential.DefaultUserKey {
				return tx.Model(&UserModel{}).Where("key = ?", u.Key).Updates(map[string]any{
					"factor_mask":   0,
					"metadata":      nil,
					"passcode_hash": nil,
				}).Error
			}
			return tx.Delete(&UserModel{}, "key = ?", u.Key).Error
		})
	})
}

func wipeTemplates(tx *gorm.DB, query string, args ...any) error {
	var ids []string
	if err := tx.Model(&TemplateModel{}).Where(query, args...).Pluck("template_id", &ids).Error; err != nil {
		return err
	}
	if err := retire(tx, ids...); err != nil {
		return err
	}
	return tx.Where(query, args...).Delete(&TemplateModel{}).Error
}

func (r *CredentialRepository) RegisteredFactors(ctx context.Context, key credential.UserKey) (credential.FactorSet, error) {
	var u UserModel
	err := r.executeWithRetry(ctx, "repository.credential.registered_factors", string(key), func() error {
		err := r.db.WithContext(ctx).Select("key", "factor_mask").First(&u, "key = ?", string(key)).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return palmerr.Newf(palmerr.KindNotFound, "user %s not found", key)
		}
		return err
	})
	if err != nil {
		return credential.FactorSet{}, err
	}
	return credential.FactorSetFromMask(u.FactorMask), nil
}

func (r *CredentialRepository) SetMetadata(ctx context.Context, key credential.UserKey, metadata []byte) error {
	return r.updateUser(ctx, "repository.credential.set_metadata", key, map[string]any{"metadata": metadata})
}

func (r *CredentialRepository) SetPasscode(ctx context.Context, key credential.UserKey, passcode string) error {
	hash, err := secure.HashPasscode(passcode)
	if err != nil {
		return err
	}
	return r.executeWithRetry(ctx, "repository.credential.set_passcode", string(key), func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			u, err := lockUser(tx, key)
			if err != nil {
				return err
			}
			mask := credential.FactorSetFromMask(u.FactorMask).With(credential.Passcode).Mask()
			return tx.Model(&UserModel{}).Where("key = ?", u.Key).Updates(map[string]any{
				"passcode_hash": hash,
				"factor_mask":   mask,
			}).Error
		})
	})
}

func (r *CredentialRepository) VerifyPasscode(ctx context.Context, key credential.UserKey, passcode string) (bool, error) {
	var u UserModel
	err := r.executeWithRetry(ctx, "repository.credential.verify_passcode", string(key), func() error {
		err := r.db.WithContext(ctx).Select("key", "passcode_hash").First(&u, "key = ?", string(key)).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return palmerr.Newf(palmerr.KindNotFound, "user %s not found", key)
		}
		return err
	})
	if err != nil {
		return false, err
	}
	if len(u.PasscodeHash) == 0 {
		return false, palmerr.Newf(palmerr.KindNotFound, "user %s has no passcode", key)
	}
	return secure.ComparePasscode(u.PasscodeHash, passcode), nil
}

func (r *CredentialRepository) updateUser(ctx context.Context, operation string, key credential.UserKey, values map[string]any) error {
	return r.executeWithRetry(ctx, operation, string(key), func() error {
		res := r.db.WithContext(ctx).Model(&UserModel{}).Where("key = ?", string(key)).Updates(values)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return palmerr.Newf(palmerr.KindNotFound, "user %s not found", key)
		}
		return nil
	})
}

func (r *CredentialRepository) RemoveAllData(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.credential.remove_all", "", func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := wipeTemplates(tx, "1 = 1"); err != nil {
				return err
			}
			if err := tx.Where("1 = 1").Delete(&UserModel{}).Error; err != nil {
				return err
			}
			return ensureDefaultUser(tx)
		})
	})
}

var (
	_ credential.Store     = (*CredentialRepository)(nil)
	_ credential.Lifecycle = (*CredentialRepository)(nil)
)
