package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"gpu-quota-service/internal/entity"
	"gpu-quota-service/internal/repository"
)

const maxNameLength = 64

type PrincipalService struct {
	store  repository.Store
	policy Policy
	log    logr.Logger
}

func NewPrincipalService(store repository.Store, policy Policy, log logr.Logger) *PrincipalService {
	return &PrincipalService{store: store, policy: policy, log: log.WithName("principals")}
}

// Register creates a principal with the default grant for its role.
func (s *PrincipalService) Register(ctx context.Context, name string, role entity.Role) (*entity.Principal, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxNameLength {
		return nil, fmt.Errorf("%w: name must be 1..%d characters", ErrInvalidName, maxNameLength)
	}
	if role == "" {
		role = entity.RoleStandard
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidRole, role)
	}

	p := &entity.Principal{
		Name:  name,
		Role:  role,
		Quota: s.policy.DefaultQuota(role),
	}
	if err := s.store.CreatePrincipal(ctx, p); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %q", ErrNameTaken, name)
		}
		return nil, fmt.Errorf("create principal: %w", err)
	}

	s.log.Info("principal registered", "principal_id", p.ID, "name", p.Name, "role", p.Role, "quota", p.Quota)
	return p, nil
}

func (s *PrincipalService) Get(ctx context.Context, id uuid.UUID) (*entity.Principal, error) {
	p, err := s.store.GetPrincipal(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("principal %s: %w", id, err)
	}
	return p, nil
}

// SetRole changes the role only. The balance is left as it is.
func (s *PrincipalService) SetRole(ctx context.Context, id uuid.UUID, role entity.Role) (*entity.Principal, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidRole, role)
	}
	if err := s.store.SetRole(ctx, id, role); err != nil {
		return nil, fmt.Errorf("principal %s: %w", id, err)
	}
	s.log.Info("principal role changed", "principal_id", id, "role", role)
	return s.Get(ctx, id)
}
