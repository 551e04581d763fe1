// ABOUTME: Agent registry handling registration, credential validation, and lookup
// ABOUTME: Credentials are random tokens stored bcrypt-hashed, returned in plaintext exactly once

package registry

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/fleetforge/fleet-gateway/internal/store"
	"github.com/fleetforge/fleet-gateway/internal/tenant"
)

// ErrDuplicateIdentifier indicates the machine identifier is already registered in the tenant.
var ErrDuplicateIdentifier = errors.New("machine identifier already registered")

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

const credentialBytes = 32

// Registry manages agent identities and credentials on top of the store.
// The credential is opaque to the rest of the core: it is generated here,
// compared here, and never inspected anywhere else.
type Registry struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a Registry backed by the given store.
func New(s store.Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:  s,
		logger: logger.With("component", "registry"),
	}
}

// Register creates a new agent for the tenant in the context and returns its
// id together with the plaintext credential. The credential is not stored in
// plaintext and cannot be recovered later.
func (r *Registry) Register(ctx context.Context, name, machineID string) (*store.Agent, string, error) {
	name = strings.TrimSpace(name)
	machineID = strings.TrimSpace(machineID)
	if name == "" {
		return nil, "", fmt.Errorf("agent name is required")
	}
	if machineID == "" {
		return nil, "", fmt.Errorf("machine identifier is required")
	}

	credential, err := generateCredential()
	if err != nil {
		return nil, "", fmt.Errorf("generating credential: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(credential), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hashing credential: %w", err)
	}

	now := time.Now().UTC()
	agent := &store.Agent{
		ID:             uuid.New().String(),
		TenantID:       tenant.FromContext(ctx),
		Name:           name,
		MachineID:      machineID,
		CredentialHash: string(hash),
		Status:         store.AgentOffline,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := r.store.CreateAgent(ctx, agent); err != nil {
		if errors.Is(err, store.ErrDuplicateMachineID) {
			return nil, "", ErrDuplicateIdentifier
		}
		return nil, "", fmt.Errorf("creating agent: %w", err)
	}

	r.logger.Info("agent registered",
		"agent_id", agent.ID,
		"machine_id", machineID,
		"tenant", agent.TenantID,
	)
	return agent, credential, nil
}

// Validate checks an agent id / credential pair. Inactive agents never validate.
func (r *Registry) Validate(ctx context.Context, agentID, credential string) bool {
	agent, err := r.store.GetAgent(ctx, tenant.FromContext(ctx), agentID)
	if err != nil {
		return false
	}
	if !agent.Active {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(agent.CredentialHash), []byte(credential)) == nil
}

// Get retrieves an agent by id within the tenant in the context.
func (r *Registry) Get(ctx context.Context, agentID string) (*store.Agent, error) {
	agent, err := r.store.GetAgent(ctx, tenant.FromContext(ctx), agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// Deactivate marks an agent inactive. Its history is preserved.
func (r *Registry) Deactivate(ctx context.Context, agentID string) error {
	err := r.store.DeactivateAgent(ctx, tenant.FromContext(ctx), agentID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrAgentNotFound
	}
	return err
}

// generateCredential returns a URL-safe random token.
func generateCredential() (string, error) {
	buf := make([]byte, credentialBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
