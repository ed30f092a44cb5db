// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry tracks trained model versions and which one is active.
//
// Versions live in one SQLite table (model_versions) accessed through gorm.
// Activation is a single transaction that retires the previous active row
// and marks the new one, so readers never observe zero or two active rows
// mid-switch. After each activation the registry rewrites an activation
// marker file that serving processes watch to reload.
//
// # Lifecycle
//
//	pending --Activate--> active --Activate(other)--> retired
//	retired --Rollback--> active
//
// Retired rows are kept.
//
// # Thread Safety
//
// *Registry is safe for concurrent use. The connection pool is limited to
// one connection, which serializes writers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/AleutianAI/routingml/pkg/validation"
	"github.com/AleutianAI/routingml/services/routing/telemetry"
)

var (
	// ErrVersionNotFound is returned for an unregistered version name.
	ErrVersionNotFound = errors.New("model version not found")

	// ErrNoRollbackTarget is returned when no retired version exists.
	ErrNoRollbackTarget = errors.New("no retired version to roll back to")

	// ErrUnsupportedDSN is returned for a registry URL that is not SQLite.
	ErrUnsupportedDSN = errors.New("unsupported registry url")
)

// Status is the lifecycle state of a version.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusRetired Status = "retired"
)

// DefaultURL is used when MODEL_REGISTRY_URL is unset.
const DefaultURL = "sqlite://models/registry.db"

// Version is one row of model_versions.
type Version struct {
	Name         string     `gorm:"column:version_name;primaryKey" json:"version_name"`
	ArtifactDir  string     `gorm:"column:artifact_dir;not null" json:"artifact_dir"`
	ManifestPath string     `gorm:"column:manifest_path" json:"manifest_path"`
	RequestedBy  string     `gorm:"column:requested_by" json:"requested_by,omitempty"`
	Status       Status     `gorm:"column:status;not null;index" json:"status"`
	ActiveFlag   bool       `gorm:"column:active_flag;not null;index" json:"active_flag"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at" json:"updated_at"`
	TrainedAt    *time.Time `gorm:"column:trained_at" json:"trained_at,omitempty"`
	ActivatedAt  *time.Time `gorm:"column:activated_at" json:"activated_at,omitempty"`
}

// TableName implements gorm's Tabler.
func (Version) TableName() string { return "model_versions" }

// ActivationHook runs after a committed activation or rollback.
type ActivationHook func(ctx context.Context, v Version) error

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMarker overrides the activation marker path. An empty path disables
// the marker.
func WithMarker(path string) Option {
	return func(r *Registry) { r.markerPath = path }
}

// WithActivationHook adds a hook run after every activation.
func WithActivationHook(h ActivationHook) Option {
	return func(r *Registry) { r.hooks = append(r.hooks, h) }
}

// Registry is the model version store.
type Registry struct {
	db         *gorm.DB
	markerPath string
	hooks      []ActivationHook
	logger     *slog.Logger
	now        func() time.Time
}

// ParseURL maps a registry URL to a SQLite DSN.
//
// Accepted forms: "sqlite:///abs/path.db", "sqlite://rel/path.db",
// "sqlite://:memory:", a bare file path, or ":memory:".
func ParseURL(url string) (string, error) {
	if url == "" {
		url = DefaultURL
	}
	if rest, ok := strings.CutPrefix(url, "sqlite://"); ok {
		if rest == "" {
			return "", fmt.Errorf("%w: %q has no path", ErrUnsupportedDSN, url)
		}
		return rest, nil
	}
	if rest, ok := strings.CutPrefix(url, "sqlite:"); ok {
		return rest, nil
	}
	if strings.Contains(url, "://") {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDSN, url)
	}
	return url, nil
}

// Open connects to the registry at url and migrates the schema.
//
// For a file database the activation marker defaults to active.marker next
// to the database file.
func Open(url string, opts ...Option) (*Registry, error) {
	dsn, err := ParseURL(url)
	if err != nil {
		return nil, err
	}
	r := &Registry{now: func() time.Time { return time.Now().UTC() }}
	if !strings.Contains(dsn, ":memory:") {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create registry dir: %w", err)
			}
		}
		r.markerPath = filepath.Join(filepath.Dir(dsn), MarkerFileName)
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("registry pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Version{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate registry: %w", err)
	}
	r.db = db
	return r, nil
}

// Close closes the database connection.
func (r *Registry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// MarkerPath returns the activation marker path, empty when disabled.
func (r *Registry) MarkerPath() string { return r.markerPath }

// RegisterRequest describes a trained version.
type RegisterRequest struct {
	Name         string
	ArtifactDir  string
	ManifestPath string
	RequestedBy  string
	TrainedAt    *time.Time
}

// Register inserts a pending version, or updates an existing one in place.
//
// On update created_at is preserved. An active row keeps its status; any
// other row returns to pending.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*Version, error) {
	if req.Name == "" || req.ArtifactDir == "" {
		return nil, errors.New("register: name and artifact dir are required")
	}
	if err := validation.ValidateName("version name", req.Name); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	now := r.now()
	var out Version
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Version
		err := tx.Where("version_name = ?", req.Name).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			out = Version{
				Name:         req.Name,
				ArtifactDir:  req.ArtifactDir,
				ManifestPath: req.ManifestPath,
				RequestedBy:  req.RequestedBy,
				Status:       StatusPending,
				CreatedAt:    now,
				UpdatedAt:    now,
				TrainedAt:    utc(req.TrainedAt),
			}
			return tx.Create(&out).Error
		case err != nil:
			return err
		}
		existing.ArtifactDir = req.ArtifactDir
		existing.ManifestPath = req.ManifestPath
		existing.RequestedBy = req.RequestedBy
		existing.TrainedAt = utc(req.TrainedAt)
		existing.UpdatedAt = now
		if !existing.ActiveFlag {
			existing.Status = StatusPending
		}
		out = existing
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", req.Name, err)
	}
	r.logger.Info("model version registered",
		slog.String("version", out.Name),
		slog.String("status", string(out.Status)),
		slog.String("artifact_dir", out.ArtifactDir))
	return &out, nil
}

// Activate makes name the only active version.
//
// # Outputs
//
//   - *Version: the activated row.
//   - error: ErrVersionNotFound when name is not registered.
func (r *Registry) Activate(ctx context.Context, name string) (*Version, error) {
	var out Version
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = r.activateTx(tx, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.afterActivation(ctx, out)
	return &out, nil
}

func (r *Registry) activateTx(tx *gorm.DB, name string) (Version, error) {
	var v Version
	err := tx.Where("version_name = ?", name).Take(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return v, fmt.Errorf("%w: %s", ErrVersionNotFound, name)
	}
	if err != nil {
		return v, err
	}
	now := r.now()
	err = tx.Model(&Version{}).
		Where("active_flag = ? AND version_name <> ?", true, name).
		Updates(map[string]any{
			"status":      StatusRetired,
			"active_flag": false,
			"updated_at":  now,
		}).Error
	if err != nil {
		return v, fmt.Errorf("retire previous: %w", err)
	}
	v.Status = StatusActive
	v.ActiveFlag = true
	v.ActivatedAt = &now
	v.UpdatedAt = now
	if err := tx.Save(&v).Error; err != nil {
		return v, fmt.Errorf("activate %s: %w", name, err)
	}
	return v, nil
}

// Rollback re-activates the most recently activated retired version.
func (r *Registry) Rollback(ctx context.Context) (*Version, error) {
	var out Version
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target Version
		err := tx.Where("status = ? AND activated_at IS NOT NULL", StatusRetired).
			Order("activated_at DESC").
			Take(&target).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoRollbackTarget
		}
		if err != nil {
			return err
		}
		out, err = r.activateTx(tx, target.Name)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("model version rolled back", slog.String("version", out.Name))
	r.afterActivation(ctx, out)
	return &out, nil
}

func (r *Registry) afterActivation(ctx context.Context, v Version) {
	telemetry.RecordActivation()
	r.logger.Info("model version activated",
		slog.String("version", v.Name),
		slog.String("artifact_dir", v.ArtifactDir))
	if r.markerPath != "" {
		if err := WriteMarker(r.markerPath, MarkerFor(v)); err != nil {
			r.logger.Warn("write activation marker failed",
				slog.String("path", r.markerPath),
				slog.String("error", err.Error()))
		}
	}
	for _, h := range r.hooks {
		if err := h(ctx, v); err != nil {
			r.logger.Warn("activation hook failed",
				slog.String("version", v.Name),
				slog.String("error", err.Error()))
		}
	}
}

// Get returns the version called name.
func (r *Registry) Get(ctx context.Context, name string) (*Version, error) {
	var v Version
	err := r.db.WithContext(ctx).Where("version_name = ?", name).Take(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetActive returns the active version, or nil when none is active.
func (r *Registry) GetActive(ctx context.Context) (*Version, error) {
	var v Version
	err := r.db.WithContext(ctx).Where("active_flag = ?", true).Take(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// List returns versions newest first. A limit of zero or less lists all.
func (r *Registry) List(ctx context.Context, limit int) ([]Version, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC").Order("version_name DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []Version
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// CountActive returns the number of rows with active_flag set.
func (r *Registry) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Version{}).Where("active_flag = ?", true).Count(&n).Error
	return n, err
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
