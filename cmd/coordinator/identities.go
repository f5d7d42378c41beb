package main

import (
	"context"
	"fmt"
	"slices"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nemanja-m/voxq/internal/coordinator/api/rest"
	"github.com/nemanja-m/voxq/internal/coordinator/core"
	"github.com/nemanja-m/voxq/internal/shared/config"
)

var allJobTypes = []core.JobType{core.JobTypeASR, core.JobTypeNMT, core.JobTypeASRNMT}

// seedIdentities stores the configured API identities. Identities without
// scopes may submit every job type; identities without a quota fall back to
// the limiter's default.
func seedIdentities(ctx context.Context, store core.IdentityStore, entries []config.IdentityConfig) error {
	for i, entry := range entries {
		identity, err := identityFromConfig(entry)
		if err != nil {
			return fmt.Errorf("auth.identities[%d]: %w", i, err)
		}
		if err := store.SaveIdentity(ctx, identity); err != nil {
			return fmt.Errorf("auth.identities[%d]: saving identity: %w", i, err)
		}
	}
	return nil
}

func identityFromConfig(entry config.IdentityConfig) (*core.Identity, error) {
	if entry.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	identity := &core.Identity{
		ID:        entry.ID,
		Name:      entry.Name,
		KeyPrefix: entry.KeyPrefix,
		KeyHash:   entry.KeyHash,
		Quota: core.Quota{
			Requests: entry.Requests,
			Interval: entry.Interval,
			Burst:    entry.Burst,
		},
		Active:    true,
		ExpiresAt: entry.ExpiresAt,
		CreatedAt: time.Now().UTC(),
	}
	if identity.Name == "" {
		identity.Name = entry.ID
	}

	switch {
	case entry.Key != "":
		prefix, hash, err := rest.HashAPIKey(entry.Key, bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		identity.KeyPrefix, identity.KeyHash = prefix, hash
	case entry.KeyHash == "" || len(entry.KeyPrefix) != core.APIKeyPrefixLen:
		return nil, fmt.Errorf("either key or key_prefix (%d characters) with key_hash is required", core.APIKeyPrefixLen)
	}

	if len(entry.Scopes) == 0 {
		identity.Scopes = slices.Clone(allJobTypes)
	}
	for _, scope := range entry.Scopes {
		jobType := core.JobType(scope)
		if !jobType.Valid() {
			return nil, fmt.Errorf("unknown scope %q", scope)
		}
		identity.Scopes = append(identity.Scopes, jobType)
	}
	return identity, nil
}
