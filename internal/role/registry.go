package role

import (
	"context"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"relay-access/internal/apperr"
)

const templateCacheSize = 256

// Registry is the process-wide catalogue of role templates. Templates are
// immutable once written, which is what makes caching them by id safe.
type Registry struct {
	db    *gorm.DB
	cache *lru.Cache[uint, RoleTemplate]
}

func NewRegistry(db *gorm.DB) *Registry {
	cache, _ := lru.New[uint, RoleTemplate](templateCacheSize)
	return &Registry{db: db, cache: cache}
}

// EnsureSeeded creates the default template of every canonical kind that
// does not have one yet. Concurrent callers race on the default_kind unique
// index; losers insert nothing.
func (r *Registry) EnsureSeeded(ctx context.Context) error {
	created := 0
	for _, tpl := range defaultTemplates() {
		kind := tpl.Kind
		tpl.IsDefault = true
		tpl.DefaultKind = &kind

		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&tpl)
		if result.Error != nil {
			return fmt.Errorf("seed %s template: %w", kind, result.Error)
		}
		created += int(result.RowsAffected)
	}

	if created > 0 {
		logrus.WithField("created", created).Info("Seeded default role templates")
	}
	return nil
}

// ListDefaults returns every default template ordered by id.
func (r *Registry) ListDefaults(ctx context.Context) ([]RoleTemplate, error) {
	var templates []RoleTemplate
	if err := r.db.WithContext(ctx).Where("is_default = ?", true).Order("id ASC").Find(&templates).Error; err != nil {
		return nil, fmt.Errorf("list default templates: %w", err)
	}
	return templates, nil
}

// List returns every template, defaults and custom ones.
func (r *Registry) List(ctx context.Context) ([]RoleTemplate, error) {
	var templates []RoleTemplate
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&templates).Error; err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return templates, nil
}

// DefaultFor returns the default template of kind.
func (r *Registry) DefaultFor(ctx context.Context, kind Kind) (RoleTemplate, error) {
	var tpl RoleTemplate
	err := r.db.WithContext(ctx).Where("default_kind = ?", kind).First(&tpl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tpl, fmt.Errorf("default %s template: %w", kind, apperr.ErrNotFound)
	}
	if err != nil {
		return tpl, fmt.Errorf("default %s template: %w", kind, err)
	}
	return tpl, nil
}

func (r *Registry) Get(ctx context.Context, id uint) (RoleTemplate, error) {
	if tpl, ok := r.cache.Get(id); ok {
		return tpl, nil
	}

	var tpl RoleTemplate
	err := r.db.WithContext(ctx).First(&tpl, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tpl, fmt.Errorf("template %d: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return tpl, fmt.Errorf("template %d: %w", id, err)
	}

	r.cache.Add(id, tpl)
	return tpl, nil
}

// CreateCustom stores an operator-defined, non-default template.
func (r *Registry) CreateCustom(ctx context.Context, tpl RoleTemplate) (RoleTemplate, error) {
	tpl.Name = strings.TrimSpace(tpl.Name)
	if tpl.Name == "" {
		return tpl, fmt.Errorf("template name is required: %w", apperr.ErrInvalid)
	}
	if !tpl.Kind.Valid() {
		return tpl, fmt.Errorf("template kind %q: %w", tpl.Kind, apperr.ErrInvalid)
	}
	if tpl.Permissions == nil {
		tpl.Permissions = PermissionSet{}
	}
	tpl.ID = 0
	tpl.IsDefault = false
	tpl.DefaultKind = nil

	if err := r.db.WithContext(ctx).Create(&tpl).Error; err != nil {
		return tpl, fmt.Errorf("create template %q: %w", tpl.Name, err)
	}

	logrus.WithFields(logrus.Fields{"template_id": tpl.ID, "kind": tpl.Kind}).Info("Created custom role template")
	return tpl, nil
}
