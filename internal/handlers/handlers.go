// Package handlers contains the coordinator's channel handlers: account
// registration and login, workflow intake, task scheduling and the trust
// bookkeeping driven by task status reports.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voluntix/coordinator/internal/channel"
	"github.com/voluntix/coordinator/internal/client"
	"github.com/voluntix/coordinator/internal/message"
	"github.com/voluntix/coordinator/internal/metrics"
	"github.com/voluntix/coordinator/internal/scheduler"
	"github.com/voluntix/coordinator/internal/store"
	"github.com/voluntix/coordinator/internal/token"
)

// User-facing messages. The platform's participant tooling is French.
const (
	msgMissingField       = "Champ requis manquant: %s"
	msgInvalidCredentials = "Identifiants invalides"
	msgEmailTaken         = "Cet email est déjà utilisé"
	msgUsernameTaken      = "Ce nom d'utilisateur est déjà utilisé"
	msgNoVolunteer        = "Aucun volontaire disponible"
	msgTaskUnknown        = "Tâche introuvable"
	msgManagerUnknown     = "Manager introuvable"
	msgAccountInactive    = "Compte inactif"
)

// Bus is the publish surface handlers need; satisfied by client.Client.
type Bus interface {
	Publish(ctx context.Context, channelName string, data map[string]any, opts ...client.PublishOption) (string, error)
}

// Store is the persistence surface handlers need; satisfied by *store.Store.
type Store interface {
	CreateManager(ctx context.Context, m *store.Manager) error
	ManagerByID(ctx context.Context, id string) (*store.Manager, error)
	ManagerByUsername(ctx context.Context, username string) (*store.Manager, error)
	ManagerByEmail(ctx context.Context, email string) (*store.Manager, error)
	TouchManagerLogin(ctx context.Context, id string, at time.Time) error

	CreateVolunteer(ctx context.Context, v *store.Volunteer) error
	VolunteerByID(ctx context.Context, id string) (*store.Volunteer, error)
	VolunteerByUsername(ctx context.Context, username string) (*store.Volunteer, error)
	ListVolunteers(ctx context.Context) ([]store.Volunteer, error)
	AvailableVolunteers(ctx context.Context) ([]store.Volunteer, error)
	UpdateVolunteerMachine(ctx context.Context, id string, info map[string]any, res store.Resources, at time.Time) error
	UpdateVolunteerProfile(ctx context.Context, id, name, username, passwordHash string) error
	SetVolunteerResources(ctx context.Context, id string, res store.Resources) error
	SetVolunteerStatus(ctx context.Context, id, status string) error
	SetVolunteerTrust(ctx context.Context, id string, score float64, completed, failed int) error
	TouchVolunteer(ctx context.Context, id string, at time.Time) error

	CreateWorkflow(ctx context.Context, w *store.Workflow) error
	WorkflowByID(ctx context.Context, id string) (*store.Workflow, error)
	SetWorkflowStatus(ctx context.Context, id, status string) error
	CreateTask(ctx context.Context, t *store.Task) error
	TaskByID(ctx context.Context, id string) (*store.Task, error)
	TasksByWorkflow(ctx context.Context, workflowID string) ([]store.Task, error)
	AssignTask(ctx context.Context, taskID, volunteerID string, at time.Time) error
	SetTaskStatus(ctx context.Context, id, status string) error
}

// Options configures a Coordinator.
type Options struct {
	Bus     Bus
	Store   Store
	Tokens  *token.Service
	Journal *Journal
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// AccessTTL and RefreshTTL bound issued credentials.
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Coordinator holds the handler set. Construct one per process; it carries
// no hidden global state.
type Coordinator struct {
	bus     Bus
	store   Store
	tokens  *token.Service
	tracker *scheduler.Tracker
	journal *Journal
	metrics *metrics.Metrics
	log     *slog.Logger

	accessTTL  time.Duration
	refreshTTL time.Duration

	now   func() time.Time
	newID func() string
}

// New validates options and builds a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Bus == nil || opts.Store == nil || opts.Tokens == nil {
		return nil, fmt.Errorf("handlers: bus, store and token service are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 24 * time.Hour
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 168 * time.Hour
	}
	return &Coordinator{
		bus:        opts.Bus,
		store:      opts.Store,
		tokens:     opts.Tokens,
		tracker:    scheduler.NewTracker(),
		journal:    opts.Journal,
		metrics:    opts.Metrics,
		log:        opts.Logger,
		accessTTL:  opts.AccessTTL,
		refreshTTL: opts.RefreshTTL,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}, nil
}

// Routes maps each subscribed channel to its handler. Register the result
// with the pub/sub client.
func (c *Coordinator) Routes() map[string]client.Handler {
	return map[string]client.Handler{
		channel.AuthRegister:          c.HandleManagerRegister,
		channel.AuthLogin:             c.HandleManagerLogin,
		channel.AuthVolunteerRegister: c.HandleVolunteerRegister,
		channel.AuthVolunteerLogin:    c.HandleVolunteerLogin,
		channel.WorkflowSubmit:        c.HandleWorkflowSubmit,
		channel.TaskStatus:            c.HandleTaskStatus,
		channel.TasksStatus:           c.HandleTaskStatus,
		channel.TasksResult:           c.HandleTaskStatus,
		channel.TaskAccept:            c.HandleTaskAccept,
		channel.TaskComplete:          c.HandleTaskStatus,
		channel.TaskAssignment:        c.HandleTaskAssignment,
		channel.TaskReassignment:      c.HandleReassignment,
		channel.CoordHeartbeat:        c.HandleHeartbeat,
		channel.CoordEmergency:        c.HandleEmergency,
		channel.VolunteerResources:    c.HandleVolunteerResources,
		channel.ManagerRequests:       c.HandleManagerRequest,
	}
}

// respond publishes a response correlated to the incoming request.
func (c *Coordinator) respond(ctx context.Context, channelName string, req *message.Envelope, status string, data map[string]any) {
	merged := map[string]any{"status": status}
	for k, v := range data {
		merged[k] = v
	}
	if _, err := c.bus.Publish(ctx, channelName, merged,
		client.WithRequestID(req.RequestID),
		client.WithMessageType(message.TypeResponse),
	); err != nil {
		c.log.Warn("response publish failed", "channel", channelName, "request_id", req.RequestID, "error", err)
	}
}

func (c *Coordinator) respondError(ctx context.Context, channelName string, req *message.Envelope, msg string) {
	c.respond(ctx, channelName, req, "error", map[string]any{"message": msg})
}

// dataString extracts a trimmed string field.
func dataString(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

// firstMissing returns the first absent or empty required field.
func firstMissing(data map[string]any, keys ...string) string {
	for _, k := range keys {
		if dataString(data, k) == "" {
			return k
		}
	}
	return ""
}

// senderID prefers the identity stamped by the proxy over anything the
// client claims about itself.
func senderID(env *message.Envelope) string {
	if id := dataString(env.Data, "_sender_id"); id != "" {
		return id
	}
	return env.Sender.ID
}

func dataMap(data map[string]any, key string) map[string]any {
	if v, ok := data[key].(map[string]any); ok {
		return v
	}
	return nil
}
