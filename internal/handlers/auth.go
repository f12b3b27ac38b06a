package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/voluntix/coordinator/internal/channel"
	"github.com/voluntix/coordinator/internal/client"
	"github.com/voluntix/coordinator/internal/fingerprint"
	"github.com/voluntix/coordinator/internal/message"
	"github.com/voluntix/coordinator/internal/scheduler"
	"github.com/voluntix/coordinator/internal/store"
	"github.com/voluntix/coordinator/internal/token"
)

// HandleManagerRegister creates a manager account from an auth/register
// request.
func (c *Coordinator) HandleManagerRegister(ctx context.Context, _ string, env *message.Envelope) error {
	if missing := firstMissing(env.Data, "username", "email", "password"); missing != "" {
		c.respondError(ctx, channel.AuthRegisterResponse, env, fmt.Sprintf(msgMissingField, missing))
		return nil
	}

	username := dataString(env.Data, "username")
	email := dataString(env.Data, "email")
	hash, err := bcrypt.GenerateFromPassword([]byte(dataString(env.Data, "password")), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	m := &store.Manager{
		ID:           c.newID(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Status:       store.ManagerActive,
		CreatedAt:    c.now(),
	}
	if err := c.store.CreateManager(ctx, m); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			msg := msgUsernameTaken
			if _, lookupErr := c.store.ManagerByEmail(ctx, email); lookupErr == nil {
				msg = msgEmailTaken
			}
			c.respondError(ctx, channel.AuthRegisterResponse, env, msg)
			return nil
		}
		return fmt.Errorf("create manager: %w", err)
	}

	c.log.Info("manager registered", "manager_id", m.ID, "username", username)
	c.respond(ctx, channel.AuthRegisterResponse, env, "success", map[string]any{
		"manager_id": m.ID,
		"username":   username,
	})
	return nil
}

// HandleManagerLogin authenticates a manager and issues access and refresh
// tokens. Lookup failure and password mismatch are indistinguishable to the
// caller.
func (c *Coordinator) HandleManagerLogin(ctx context.Context, _ string, env *message.Envelope) error {
	if missing := firstMissing(env.Data, "username", "password"); missing != "" {
		c.respondError(ctx, channel.AuthLoginResponse, env, fmt.Sprintf(msgMissingField, missing))
		return nil
	}

	m, err := c.store.ManagerByUsername(ctx, dataString(env.Data, "username"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.respondError(ctx, channel.AuthLoginResponse, env, msgInvalidCredentials)
			return nil
		}
		return fmt.Errorf("lookup manager: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(m.PasswordHash), []byte(dataString(env.Data, "password"))) != nil {
		c.respondError(ctx, channel.AuthLoginResponse, env, msgInvalidCredentials)
		return nil
	}
	if m.Status != store.ManagerActive {
		c.log.Info("login refused, account not active", "manager_id", m.ID, "account_status", m.Status)
		c.respondError(ctx, channel.AuthLoginResponse, env, msgAccountInactive)
		return nil
	}

	access, refresh, err := c.issueTokens(m.ID, token.RoleManager)
	if err != nil {
		return err
	}
	if err := c.store.TouchManagerLogin(ctx, m.ID, c.now()); err != nil {
		c.log.Warn("last login update failed", "manager_id", m.ID, "error", err)
	}

	c.respond(ctx, channel.AuthLoginResponse, env, "success", map[string]any{
		"manager_id":    m.ID,
		"username":      m.Username,
		"access_token":  access,
		"refresh_token": refresh,
		"expires_in":    int(c.accessTTL.Seconds()),
	})

	// Announce the session on the privileged manager channel. The access
	// token rides along so manager-side tooling can act on the session.
	if _, err := c.bus.Publish(ctx, channel.ManagerStatus, map[string]any{
		"manager_id":   m.ID,
		"username":     m.Username,
		"status":       m.Status,
		"access_token": access,
		"logged_in_at": c.now().Format(time.RFC3339),
	}, client.WithRequestID(env.RequestID)); err != nil {
		c.log.Warn("manager status publish failed", "manager_id", m.ID, "error", err)
	}
	return nil
}

// HandleVolunteerRegister registers a volunteer machine. A machine already
// known by its hardware fingerprint is updated in place and the response
// carries is_update so the client keeps its identity.
func (c *Coordinator) HandleVolunteerRegister(ctx context.Context, _ string, env *message.Envelope) error {
	name := dataString(env.Data, "name")
	if name == "" {
		name = dataString(env.Data, "username")
	}
	if name == "" {
		c.respondError(ctx, channel.AuthVolunteerRegisterResponse, env, fmt.Sprintf(msgMissingField, "name"))
		return nil
	}

	info := dataMap(env.Data, "client_info")
	if info == nil {
		info = dataMap(env.Data, "machine_info")
	}
	resources := resourcesFrom(env.Data)

	known, err := c.store.ListVolunteers(ctx)
	if err != nil {
		return fmt.Errorf("list volunteers: %w", err)
	}
	if match, ok := fingerprint.Match(known, info); ok {
		if err := c.store.UpdateVolunteerMachine(ctx, match.ID, info, resources, c.now()); err != nil {
			return fmt.Errorf("update volunteer: %w", err)
		}

		// A re-registration supersedes the stored identity: the machine
		// keeps its id but adopts the credentials it just presented.
		var passwordHash string
		if password := dataString(env.Data, "password"); password != "" {
			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}
			passwordHash = string(hash)
		}
		if err := c.store.UpdateVolunteerProfile(ctx, match.ID, name, dataString(env.Data, "username"), passwordHash); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				c.respondError(ctx, channel.AuthVolunteerRegisterResponse, env, msgUsernameTaken)
				return nil
			}
			return fmt.Errorf("update volunteer profile: %w", err)
		}
		if err := c.store.SetVolunteerStatus(ctx, match.ID, store.VolunteerAvailable); err != nil {
			c.log.Warn("status update failed", "volunteer_id", match.ID, "error", err)
		}

		access, err := c.tokens.Issue(match.ID, token.RoleVolunteer, c.accessTTL)
		if err != nil {
			return fmt.Errorf("issue access token: %w", err)
		}
		c.log.Info("volunteer machine recognised", "volunteer_id", match.ID, "name", name)
		c.respond(ctx, channel.AuthVolunteerRegisterResponse, env, "success", map[string]any{
			"volunteer_id": match.ID,
			"is_update":    true,
			"access_token": access,
			"expires_in":   int(c.accessTTL.Seconds()),
		})
		c.publishAvailable(ctx)
		return nil
	}

	v := &store.Volunteer{
		ID:          c.newID(),
		Name:        name,
		MachineInfo: info,
		Resources:   resources,
		Status:      store.VolunteerAvailable,
		TrustScore:  50,
		CreatedAt:   c.now(),
		LastSeen:    c.now(),
	}
	if username := dataString(env.Data, "username"); username != "" {
		v.Username = username
	}
	if password := dataString(env.Data, "password"); password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		v.PasswordHash = string(hash)
	}
	if err := c.store.CreateVolunteer(ctx, v); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			c.respondError(ctx, channel.AuthVolunteerRegisterResponse, env, msgUsernameTaken)
			return nil
		}
		return fmt.Errorf("create volunteer: %w", err)
	}

	access, err := c.tokens.Issue(v.ID, token.RoleVolunteer, c.accessTTL)
	if err != nil {
		return fmt.Errorf("issue access token: %w", err)
	}
	c.log.Info("volunteer registered", "volunteer_id", v.ID, "name", v.Name)
	c.respond(ctx, channel.AuthVolunteerRegisterResponse, env, "success", map[string]any{
		"volunteer_id": v.ID,
		"is_update":    false,
		"access_token": access,
		"expires_in":   int(c.accessTTL.Seconds()),
	})
	c.publishAvailable(ctx)
	return nil
}

// HandleVolunteerLogin authenticates a returning volunteer, refreshes its
// machine description and issues tokens.
func (c *Coordinator) HandleVolunteerLogin(ctx context.Context, _ string, env *message.Envelope) error {
	if missing := firstMissing(env.Data, "username", "password"); missing != "" {
		c.respondError(ctx, channel.AuthVolunteerLoginResponse, env, fmt.Sprintf(msgMissingField, missing))
		return nil
	}

	v, err := c.store.VolunteerByUsername(ctx, dataString(env.Data, "username"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.respondError(ctx, channel.AuthVolunteerLoginResponse, env, msgInvalidCredentials)
			return nil
		}
		return fmt.Errorf("lookup volunteer: %w", err)
	}
	if v.PasswordHash == "" ||
		bcrypt.CompareHashAndPassword([]byte(v.PasswordHash), []byte(dataString(env.Data, "password"))) != nil {
		c.respondError(ctx, channel.AuthVolunteerLoginResponse, env, msgInvalidCredentials)
		return nil
	}

	if info := dataMap(env.Data, "client_info"); info != nil {
		if err := c.store.UpdateVolunteerMachine(ctx, v.ID, info, resourcesFrom(env.Data), c.now()); err != nil {
			c.log.Warn("machine info refresh failed", "volunteer_id", v.ID, "error", err)
		}
	}
	if err := c.store.SetVolunteerStatus(ctx, v.ID, store.VolunteerAvailable); err != nil {
		c.log.Warn("status update failed", "volunteer_id", v.ID, "error", err)
	}

	access, refresh, err := c.issueTokens(v.ID, token.RoleVolunteer)
	if err != nil {
		return err
	}
	c.respond(ctx, channel.AuthVolunteerLoginResponse, env, "success", map[string]any{
		"volunteer_id":  v.ID,
		"access_token":  access,
		"refresh_token": refresh,
		"expires_in":    int(c.accessTTL.Seconds()),
	})
	c.publishAvailable(ctx)
	return nil
}

func (c *Coordinator) issueTokens(userID, role string) (access, refresh string, err error) {
	access, err = c.tokens.Issue(userID, role, c.accessTTL)
	if err != nil {
		return "", "", fmt.Errorf("issue access token: %w", err)
	}
	refresh, err = c.tokens.Issue(userID, role, c.refreshTTL)
	if err != nil {
		return "", "", fmt.Errorf("issue refresh token: %w", err)
	}
	return access, refresh, nil
}

// resourcesFrom reads declared resources, falling back to the scheduling
// defaults per field.
func resourcesFrom(data map[string]any) store.Resources {
	if res := dataMap(data, "resources"); res != nil {
		return scheduler.Estimate(res)
	}
	return scheduler.Estimate(nil)
}

// publishAvailable broadcasts the current available volunteer roster.
func (c *Coordinator) publishAvailable(ctx context.Context) {
	available, err := c.store.AvailableVolunteers(ctx)
	if err != nil {
		c.log.Warn("available roster lookup failed", "error", err)
		return
	}
	roster := make([]map[string]any, 0, len(available))
	for _, v := range available {
		roster = append(roster, map[string]any{
			"volunteer_id": v.ID,
			"name":         v.Name,
			"trust_score":  v.TrustScore,
			"resources":    v.Resources,
		})
	}
	if _, err := c.bus.Publish(ctx, channel.VolunteerAvailable, map[string]any{
		"volunteers": roster,
		"count":      len(roster),
	}); err != nil {
		c.log.Warn("roster publish failed", "error", err)
	}
}
