// Package channel holds the canonical channel catalogue and the publish-time
// ACL. Channels whose name ends in "#" or "*" are patterns; matching is
// prefix-based.
package channel

import (
	"sort"
	"strings"

	"github.com/voluntix/coordinator/internal/token"
)

// Channel names used across the coordinator.
const (
	AuthRegister                  = "auth/register"
	AuthRegisterResponse          = "auth/register_response"
	AuthLogin                     = "auth/login"
	AuthLoginResponse             = "auth/login_response"
	AuthVolunteerRegister         = "auth/volunteer_register"
	AuthVolunteerRegisterResponse = "auth/volunteer_register_response"
	AuthVolunteerLogin            = "auth/volunteer_login"
	AuthVolunteerLoginResponse    = "auth/volunteer_login_response"
	CoordHeartbeat                = "coord/heartbeat/#"
	CoordEmergency                = "coord/emergency"
	TaskAssignment                = "task/assignment"
	TaskAccept                    = "task/accept"
	TaskComplete                  = "task/complete"
	TaskProgress                  = "task/progress"

	TasksNew               = "tasks/new"
	TasksAssign            = "tasks/assign"
	TasksStatus            = "tasks/status/#"
	ManagerStatus          = "manager/status"
	ManagerRequests        = "manager/requests"
	WorkflowSubmit         = "workflow/submit"
	WorkflowSubmitResponse = "workflow/submit_response"
	TaskReassignment       = "task/reassignment"
	TaskReassignmentResp   = "task/reassignment/response"

	VolunteerAvailable = "volunteer/available"
	VolunteerResources = "volunteer/resources"
	TasksResult        = "tasks/result/#"
	VolunteerData      = "volunteer/data"
	TaskStatus         = "task/status"
)

// Registry maps every known channel to the role allowed to publish on it.
// The zero role means the channel is open.
type Registry struct {
	open      map[string]string
	manager   map[string]string
	volunteer map[string]string
}

// NewRegistry builds the default catalogue.
func NewRegistry() *Registry {
	return &Registry{
		open: map[string]string{
			AuthRegister:                  "Inscription des managers",
			AuthRegisterResponse:          "Réponses d'inscription",
			AuthLogin:                     "Connexion des managers",
			AuthLoginResponse:             "Réponses d'authentification",
			AuthVolunteerRegister:         "Inscription des volontaires",
			AuthVolunteerRegisterResponse: "Réponses d'inscription des volontaires",
			AuthVolunteerLogin:            "Connexion des volontaires",
			AuthVolunteerLoginResponse:    "Réponses de connexion des volontaires",
			CoordHeartbeat:                "Signaux de vie des participants",
			CoordEmergency:                "Canal d'urgence",
			TaskAssignment:                "Attribution des tâches aux volontaires",
			TaskAccept:                    "Acceptation des tâches",
			TaskComplete:                  "Tâches terminées",
			TaskProgress:                  "Progression des tâches",
		},
		manager: map[string]string{
			TasksNew:               "Nouvelles tâches des managers",
			TasksAssign:            "Attribution des tâches",
			TasksStatus:            "État des tâches en cours",
			ManagerStatus:          "État des managers",
			ManagerRequests:        "Requêtes spéciales des managers",
			WorkflowSubmit:         "Soumission des workflows",
			WorkflowSubmitResponse: "Réponses aux soumissions de workflows",
			TaskReassignment:       "Demandes de réassignation",
			TaskReassignmentResp:   "Réponses de réassignation",
		},
		volunteer: map[string]string{
			VolunteerAvailable: "Liste des volontaires disponibles",
			VolunteerResources: "Ressources des volontaires",
			TasksResult:        "Résultats des tâches terminées",
			VolunteerData:      "Données des volontaires",
			TaskStatus:         "État des tâches",
		},
	}
}

// IsOpen reports whether any client may publish on the channel.
func (r *Registry) IsOpen(name string) bool {
	return matchAny(r.open, name)
}

// RequiredRole returns the role a token must carry to publish on the channel
// and whether the channel is known at all. Open channels return the empty
// role.
func (r *Registry) RequiredRole(name string) (string, bool) {
	switch {
	case matchAny(r.open, name):
		return "", true
	case matchAny(r.manager, name):
		return token.RoleManager, true
	case matchAny(r.volunteer, name):
		return token.RoleVolunteer, true
	}
	return "", false
}

// Authorized applies the publish rule: open channels admit anyone, the
// coordinator role admits everywhere, otherwise the role must match.
func (r *Registry) Authorized(role, name string) bool {
	required, known := r.RequiredRole(name)
	if !known {
		return false
	}
	if required == "" || role == token.RoleCoordinator {
		return true
	}
	return role == required
}

// Concrete returns every non-pattern channel name, sorted. The proxy's
// fan-out listener subscribes to these directly.
func (r *Registry) Concrete() []string {
	var out []string
	for _, set := range []map[string]string{r.open, r.manager, r.volunteer} {
		for name := range set {
			if !isPattern(name) {
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Patterns returns every pattern channel converted to the glob form the
// transport understands ("coord/heartbeat/#" → "coord/heartbeat/*").
func (r *Registry) Patterns() []string {
	var out []string
	for _, set := range []map[string]string{r.open, r.manager, r.volunteer} {
		for name := range set {
			if isPattern(name) {
				out = append(out, name[:len(name)-1]+"*")
			}
		}
	}
	sort.Strings(out)
	return out
}

func isPattern(name string) bool {
	return strings.HasSuffix(name, "#") || strings.HasSuffix(name, "*")
}

// Match reports whether a registered name covers channel, honouring the
// prefix semantics of pattern entries.
func Match(registered, channel string) bool {
	if isPattern(registered) {
		return strings.HasPrefix(channel, registered[:len(registered)-1])
	}
	return registered == channel
}

func matchAny(set map[string]string, name string) bool {
	if _, ok := set[name]; ok {
		return true
	}
	for registered := range set {
		if isPattern(registered) && Match(registered, name) {
			return true
		}
	}
	return false
}
