package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/voluntix/coordinator/internal/channel"
	"github.com/voluntix/coordinator/internal/message"
	"github.com/voluntix/coordinator/internal/store"
	"github.com/voluntix/coordinator/internal/token"
)

func request(data map[string]any) *message.Envelope {
	return message.New("manager", "anon", data)
}

func TestManagerRegisterSuccess(t *testing.T) {
	c, bus, st := newTestCoordinator(t)

	env := request(map[string]any{"username": "alice", "email": "alice@example.org", "password": "pw"})
	require.NoError(t, c.HandleManagerRegister(context.Background(), channel.AuthRegister, env))

	resp := bus.on(channel.AuthRegisterResponse)
	require.NotNil(t, resp)
	assert.Equal(t, "success", resp.Data["status"])
	assert.Equal(t, env.RequestID, resp.Config.RequestID)

	m, err := st.ManagerByUsername(context.Background(), "alice")
	require.NoError(t, err)
	// Stored as a bcrypt hash, never the raw password.
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(m.PasswordHash), []byte("pw")))
}

func TestManagerRegisterMissingField(t *testing.T) {
	c, bus, _ := newTestCoordinator(t)

	env := request(map[string]any{"username": "alice", "password": "pw"})
	require.NoError(t, c.HandleManagerRegister(context.Background(), channel.AuthRegister, env))

	resp := bus.on(channel.AuthRegisterResponse)
	require.NotNil(t, resp)
	assert.Equal(t, "error", resp.Data["status"])
	assert.Equal(t, "Champ requis manquant: email", resp.Data["message"])
}

func TestManagerRegisterDuplicateEmail(t *testing.T) {
	c, bus, _ := newTestCoordinator(t)
	ctx := context.Background()

	first := request(map[string]any{"username": "alice", "email": "a@example.org", "password": "pw"})
	require.NoError(t, c.HandleManagerRegister(ctx, channel.AuthRegister, first))

	second := request(map[string]any{"username": "bob", "email": "a@example.org", "password": "pw"})
	require.NoError(t, c.HandleManagerRegister(ctx, channel.AuthRegister, second))

	resp := bus.on(channel.AuthRegisterResponse)
	assert.Equal(t, "error", resp.Data["status"])
	assert.Equal(t, "Cet email est déjà utilisé", resp.Data["message"])
}

func TestManagerLoginIssuesTokens(t *testing.T) {
	c, bus, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.HandleManagerRegister(ctx, channel.AuthRegister,
		request(map[string]any{"username": "alice", "email": "a@example.org", "password": "pw"})))
	require.NoError(t, c.HandleManagerLogin(ctx, channel.AuthLogin,
		request(map[string]any{"username": "alice", "password": "pw"})))

	resp := bus.on(channel.AuthLoginResponse)
	require.NotNil(t, resp)
	require.Equal(t, "success", resp.Data["status"])

	claims, err := c.tokens.Verify(resp.Data["access_token"].(string))
	require.NoError(t, err)
	assert.Equal(t, token.RoleManager, claims.Role)
	assert.Equal(t, resp.Data["manager_id"], claims.UserID)
	assert.NotEmpty(t, resp.Data["refresh_token"])
	assert.Equal(t, 86400, resp.Data["expires_in"])
}

func TestManagerLoginAnnouncesSession(t *testing.T) {
	c, bus, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.HandleManagerRegister(ctx, channel.AuthRegister,
		request(map[string]any{"username": "alice", "email": "a@example.org", "password": "pw"})))

	env := request(map[string]any{"username": "alice", "password": "pw"})
	require.NoError(t, c.HandleManagerLogin(ctx, channel.AuthLogin, env))

	// The privileged manager channel carries the session, token included.
	status := bus.on(channel.ManagerStatus)
	require.NotNil(t, status)
	assert.Equal(t, env.RequestID, status.Config.RequestID)
	assert.Equal(t, store.ManagerActive, status.Data["status"])

	claims, err := c.tokens.Verify(status.Data["access_token"].(string))
	require.NoError(t, err)
	assert.Equal(t, token.RoleManager, claims.Role)
	assert.Equal(t, status.Data["manager_id"], claims.UserID)
}

func TestManagerLoginInactiveAccount(t *testing.T) {
	c, bus, st := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.HandleManagerRegister(ctx, channel.AuthRegister,
		request(map[string]any{"username": "alice", "email": "a@example.org", "password": "pw"})))
	m, err := st.ManagerByUsername(ctx, "alice")
	require.NoError(t, err)
	st.managers[m.ID].Status = store.ManagerSuspended

	require.NoError(t, c.HandleManagerLogin(ctx, channel.AuthLogin,
		request(map[string]any{"username": "alice", "password": "pw"})))

	resp := bus.on(channel.AuthLoginResponse)
	require.NotNil(t, resp)
	assert.Equal(t, "error", resp.Data["status"])
	assert.Equal(t, "Compte inactif", resp.Data["message"])
	assert.Nil(t, bus.on(channel.ManagerStatus))
}

func TestManagerLoginBadPassword(t *testing.T) {
	c, bus, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.HandleManagerRegister(ctx, channel.AuthRegister,
		request(map[string]any{"username": "alice", "email": "a@example.org", "password": "pw"})))
	require.NoError(t, c.HandleManagerLogin(ctx, channel.AuthLogin,
		request(map[string]any{"username": "alice", "password": "wrong"})))

	resp := bus.on(channel.AuthLoginResponse)
	assert.Equal(t, "error", resp.Data["status"])
	assert.Equal(t, "Identifiants invalides", resp.Data["message"])
}

func TestManagerLoginUnknownUser(t *testing.T) {
	c, bus, _ := newTestCoordinator(t)

	require.NoError(t, c.HandleManagerLogin(context.Background(), channel.AuthLogin,
		request(map[string]any{"username": "ghost", "password": "pw"})))

	// Same message as a bad password: no user enumeration.
	resp := bus.on(channel.AuthLoginResponse)
	assert.Equal(t, "Identifiants invalides", resp.Data["message"])
}

func volunteerInfo() map[string]any {
	return map[string]any{
		"cpu_model":            "Ryzen 7 5800X",
		"cpu_cores":            float64(8),
		"os_architecture":      "x86_64",
		"total_ram_mb":         float64(16384),
		"available_storage_gb": float64(250),
	}
}

func TestVolunteerRegisterNewMachine(t *testing.T) {
	c, bus, st := newTestCoordinator(t)

	env := request(map[string]any{"name": "alice-laptop", "client_info": volunteerInfo()})
	require.NoError(t, c.HandleVolunteerRegister(context.Background(), channel.AuthVolunteerRegister, env))

	resp := bus.on(channel.AuthVolunteerRegisterResponse)
	require.NotNil(t, resp)
	assert.Equal(t, "success", resp.Data["status"])
	assert.Equal(t, false, resp.Data["is_update"])

	v, err := st.VolunteerByID(context.Background(), resp.Data["volunteer_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, store.VolunteerAvailable, v.Status)
	assert.Equal(t, 50.0, v.TrustScore)

	// A fresh machine leaves with a usable token.
	claims, err := c.tokens.Verify(resp.Data["access_token"].(string))
	require.NoError(t, err)
	assert.Equal(t, token.RoleVolunteer, claims.Role)
	assert.Equal(t, v.ID, claims.UserID)

	// Registration broadcasts the roster.
	roster := bus.on(channel.VolunteerAvailable)
	require.NotNil(t, roster)
	assert.Equal(t, 1, roster.Data["count"])
}

func TestVolunteerRegisterRecognisedMachine(t *testing.T) {
	c, bus, st := newTestCoordinator(t)
	ctx := context.Background()

	first := request(map[string]any{"name": "alice-laptop", "client_info": volunteerInfo()})
	require.NoError(t, c.HandleVolunteerRegister(ctx, channel.AuthVolunteerRegister, first))
	firstID := bus.on(channel.AuthVolunteerRegisterResponse).Data["volunteer_id"].(string)

	// Same hardware registers again after a reinstall.
	second := request(map[string]any{"name": "alice-reinstalled", "client_info": volunteerInfo()})
	require.NoError(t, c.HandleVolunteerRegister(ctx, channel.AuthVolunteerRegister, second))

	resp := bus.on(channel.AuthVolunteerRegisterResponse)
	assert.Equal(t, true, resp.Data["is_update"])
	assert.Equal(t, firstID, resp.Data["volunteer_id"])

	// The recognised machine gets a fresh token too.
	claims, err := c.tokens.Verify(resp.Data["access_token"].(string))
	require.NoError(t, err)
	assert.Equal(t, firstID, claims.UserID)

	all, err := st.ListVolunteers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestVolunteerRegisterRecognisedMachineAdoptsCredentials(t *testing.T) {
	c, bus, st := newTestCoordinator(t)
	ctx := context.Background()

	first := request(map[string]any{
		"name":        "alice-laptop",
		"username":    "alice",
		"password":    "pw",
		"client_info": volunteerInfo(),
	})
	require.NoError(t, c.HandleVolunteerRegister(ctx, channel.AuthVolunteerRegister, first))
	volunteerID := bus.on(channel.AuthVolunteerRegisterResponse).Data["volunteer_id"].(string)

	second := request(map[string]any{
		"name":        "alice-desk",
		"username":    "alice2",
		"password":    "pw2",
		"client_info": volunteerInfo(),
	})
	require.NoError(t, c.HandleVolunteerRegister(ctx, channel.AuthVolunteerRegister, second))

	resp := bus.on(channel.AuthVolunteerRegisterResponse)
	assert.Equal(t, true, resp.Data["is_update"])
	assert.Equal(t, volunteerID, resp.Data["volunteer_id"])

	v, err := st.VolunteerByID(ctx, volunteerID)
	require.NoError(t, err)
	assert.Equal(t, "alice-desk", v.Name)
	assert.Equal(t, "alice2", v.Username)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(v.PasswordHash), []byte("pw2")))

	// The adopted credentials authenticate.
	require.NoError(t, c.HandleVolunteerLogin(ctx, channel.AuthVolunteerLogin,
		request(map[string]any{"username": "alice2", "password": "pw2"})))
	login := bus.on(channel.AuthVolunteerLoginResponse)
	assert.Equal(t, "success", login.Data["status"])
}

func TestVolunteerLoginRoundTrip(t *testing.T) {
	c, bus, _ := newTestCoordinator(t)
	ctx := context.Background()

	reg := request(map[string]any{
		"name":        "alice-laptop",
		"username":    "alice",
		"password":    "pw",
		"client_info": volunteerInfo(),
	})
	require.NoError(t, c.HandleVolunteerRegister(ctx, channel.AuthVolunteerRegister, reg))
	volunteerID := bus.on(channel.AuthVolunteerRegisterResponse).Data["volunteer_id"].(string)

	require.NoError(t, c.HandleVolunteerLogin(ctx, channel.AuthVolunteerLogin,
		request(map[string]any{"username": "alice", "password": "pw"})))

	resp := bus.on(channel.AuthVolunteerLoginResponse)
	require.Equal(t, "success", resp.Data["status"])
	assert.Equal(t, volunteerID, resp.Data["volunteer_id"])

	claims, err := c.tokens.Verify(resp.Data["access_token"].(string))
	require.NoError(t, err)
	assert.Equal(t, token.RoleVolunteer, claims.Role)
}

func TestVolunteerLoginWrongPassword(t *testing.T) {
	c, bus, _ := newTestCoordinator(t)
	ctx := context.Background()

	reg := request(map[string]any{"name": "n", "username": "alice", "password": "pw"})
	require.NoError(t, c.HandleVolunteerRegister(ctx, channel.AuthVolunteerRegister, reg))
	require.NoError(t, c.HandleVolunteerLogin(ctx, channel.AuthVolunteerLogin,
		request(map[string]any{"username": "alice", "password": "nope"})))

	resp := bus.on(channel.AuthVolunteerLoginResponse)
	assert.Equal(t, "Identifiants invalides", resp.Data["message"])
}
