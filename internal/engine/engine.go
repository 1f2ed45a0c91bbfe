package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stageline/internal/auth"
	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
)

// Engine is the application facade shared by the CLI and the HTTP server.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Log    *zap.Logger
	// OnSignal runs after an ingested signal commits.
	OnSignal func(workspaceID string)
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{Now: time.Now},
		Config: cfg,
		Now:    time.Now,
		Log:    zap.NewNop(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) events() events.Writer {
	return events.Writer{Now: e.now}
}

func (e Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e Engine) timestamp() string { return repo.Timestamp(e.now()) }

// ConfigFor returns the stored workspace config, falling back to the loaded
// process config and then to the default template.
func (e Engine) ConfigFor(ctx context.Context, workspaceID string) (*config.Config, error) {
	cfg, err := e.Repo.GetWorkspaceConfig(ctx, workspaceID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if e.Config != nil {
		return e.Config, nil
	}
	return config.Default(workspaceID), nil
}

func (e Engine) Auth() auth.Service { return auth.Service{Repo: e.Repo} }

// Require checks perm for actorID against the workspace's roles.
func (e Engine) Require(ctx context.Context, workspaceID, actorID, perm string) error {
	cfg, err := e.ConfigFor(ctx, workspaceID)
	if err != nil {
		return err
	}
	return e.Auth().Require(ctx, cfg, workspaceID, actorID, perm)
}

type WorkspaceCreateOptions struct {
	ID          string
	Name        string
	Description string
	Config      *config.Config
	ActorID     string
}

// CreateWorkspace inserts the workspace, stores its config and stage/gate
// definitions, seeds automation settings from the config defaults, and makes
// the creating actor an owner.
func (e Engine) CreateWorkspace(ctx context.Context, opts WorkspaceCreateOptions) (domain.Workspace, error) {
	opts.ID = strings.TrimSpace(opts.ID)
	if opts.ID == "" {
		return domain.Workspace{}, errors.New("workspace id is required")
	}
	if opts.ActorID == "" {
		return domain.Workspace{}, errors.New("actor_id required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default(opts.ID)
	}
	if opts.Name == "" {
		opts.Name = cfg.Workspace.Name
	}
	if opts.Name == "" {
		opts.Name = opts.ID
	}
	now := e.timestamp()
	ws := domain.Workspace{ID: opts.ID, Name: opts.Name, Status: "active", Description: opts.Description, CreatedAt: now}
	settings := cfg.Automation.Settings(ws.ID)
	settings.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workspace{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkspace(ctx, tx, ws); err != nil {
		return domain.Workspace{}, fmt.Errorf("insert workspace: %w", err)
	}
	if err := e.Repo.UpsertWorkspaceConfigTx(ctx, tx, ws.ID, cfg, now); err != nil {
		return domain.Workspace{}, fmt.Errorf("insert workspace config: %w", err)
	}
	if err := e.Repo.UpsertAutomationSettings(ctx, tx, settings); err != nil {
		return domain.Workspace{}, fmt.Errorf("seed automation settings: %w", err)
	}
	if err := e.Repo.AssignRole(ctx, tx, ws.ID, opts.ActorID, auth.RoleOwner, now); err != nil {
		return domain.Workspace{}, fmt.Errorf("assign owner role: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.WorkspaceCreated, ws.ID, "workspace", ws.ID, opts.ActorID, events.Payload{
		"name": ws.Name, "depth": settings.Depth,
	}); err != nil {
		return domain.Workspace{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workspace{}, err
	}
	return ws, nil
}

func (e Engine) ListWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	return e.Repo.ListWorkspaces(ctx)
}

func (e Engine) GetWorkspace(ctx context.Context, id string) (domain.Workspace, error) {
	return e.Repo.GetWorkspace(ctx, id)
}

// ImportConfig replaces the workspace config and its derived stage and gate definitions.
func (e Engine) ImportConfig(ctx context.Context, workspaceID string, cfg *config.Config, actorID string) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if _, err := e.Repo.GetWorkspace(ctx, workspaceID); err != nil {
		return err
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertWorkspaceConfigTx(ctx, tx, workspaceID, cfg, now); err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, events.WorkspaceConfigSet, workspaceID, "workspace", workspaceID, actorID, events.Payload{
		"stages": len(cfg.Stages), "webhooks": len(cfg.Webhooks),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// GrantRole assigns a configured role to an actor.
func (e Engine) GrantRole(ctx context.Context, workspaceID, actorID, roleID, grantedBy string) error {
	cfg, err := e.ConfigFor(ctx, workspaceID)
	if err != nil {
		return err
	}
	if _, ok := cfg.RBAC.Roles[roleID]; !ok {
		return fmt.Errorf("role %s not defined in workspace config", roleID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.AssignRole(ctx, tx, workspaceID, actorID, roleID, e.timestamp()); err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, events.RoleGranted, workspaceID, "actor", actorID, grantedBy, events.Payload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAPIKey stores a new key for actorID and returns the plaintext once.
func (e Engine) CreateAPIKey(ctx context.Context, workspaceID, actorID, name string, permissions []string, createdBy string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", errors.New("actor_id required")
	}
	plaintext := "sl_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:          uuid.NewString(),
		ActorID:     actorID,
		Name:        name,
		KeyHash:     repo.HashAPIKey(plaintext),
		Permissions: permissions,
		CreatedAt:   e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.events().Append(ctx, tx, events.APIKeyCreated, workspaceID, "actor", actorID, createdBy, events.Payload{
		"key_id": key.ID, "name": name, "permissions": permissions,
	}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plaintext, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, actorID)
}

// RevokeAPIKey deletes a key; requests presenting it fail from then on.
func (e Engine) RevokeAPIKey(ctx context.Context, workspaceID, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	key, err := e.Repo.DeleteAPIKey(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, events.APIKeyRevoked, workspaceID, "actor", key.ActorID, actorID, events.Payload{"key_id": key.ID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}
