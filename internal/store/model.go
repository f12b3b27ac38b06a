package store

import "time"

// Volunteer availability states.
const (
	VolunteerAvailable = "available"
	VolunteerBusy      = "busy"
	VolunteerOffline   = "offline"
)

// Manager account states.
const (
	ManagerActive    = "active"
	ManagerInactive  = "inactive"
	ManagerSuspended = "suspended"
)

// Workflow lifecycle states.
const (
	WorkflowCreated        = "CREATED"
	WorkflowValidated      = "VALIDATED"
	WorkflowSplitting      = "SPLITTING"
	WorkflowAssigning      = "ASSIGNING"
	WorkflowPending        = "PENDING"
	WorkflowRunning        = "RUNNING"
	WorkflowPaused         = "PAUSED"
	WorkflowPartialFailure = "PARTIAL_FAILURE"
	WorkflowReassigning    = "REASSIGNING"
	WorkflowAggregating    = "AGGREGATING"
	WorkflowCompleted      = "COMPLETED"
	WorkflowFailed         = "FAILED"
)

// Task lifecycle states.
const (
	TaskPending             = "pending"
	TaskAssigned            = "assigned"
	TaskRunning             = "running"
	TaskPendingReassignment = "pending_reassignment"
	TaskCompleted           = "completed"
	TaskFailed              = "failed"
)

// Manager is a registered workflow owner.
type Manager struct {
	ID           string    `bson:"_id"`
	Username     string    `bson:"username"`
	Email        string    `bson:"email"`
	PasswordHash string    `bson:"password_hash"`
	Status       string    `bson:"status"`
	CreatedAt    time.Time `bson:"created_at"`
	LastLogin    time.Time `bson:"last_login,omitempty"`
}

// Resources describes a volunteer's declared compute capacity.
type Resources struct {
	CPUCores int  `bson:"cpu_cores" json:"cpu_cores"`
	MemoryMB int  `bson:"memory_mb" json:"memory_mb"`
	DiskMB   int  `bson:"disk_mb" json:"disk_mb"`
	GPU      bool `bson:"gpu" json:"gpu"`
}

// Volunteer is a registered compute donor. MachineInfo carries the raw
// hardware description used for fingerprint deduplication.
type Volunteer struct {
	ID             string         `bson:"_id"`
	Name           string         `bson:"name"`
	Username       string         `bson:"username,omitempty"`
	PasswordHash   string         `bson:"password_hash,omitempty"`
	MachineInfo    map[string]any `bson:"machine_info,omitempty"`
	Resources      Resources      `bson:"resources"`
	Status         string         `bson:"status"`
	TrustScore     float64        `bson:"trust_score"`
	TasksCompleted int            `bson:"tasks_completed"`
	TasksFailed    int            `bson:"tasks_failed"`
	CreatedAt      time.Time      `bson:"created_at"`
	LastSeen       time.Time      `bson:"last_seen,omitempty"`
}

// Workflow is a manager-submitted unit of work to be split into tasks.
type Workflow struct {
	ID                 string         `bson:"_id"`
	ManagerID          string         `bson:"manager_id"`
	Name               string         `bson:"name"`
	Type               string         `bson:"type"`
	Description        string         `bson:"description,omitempty"`
	Priority           int            `bson:"priority"`
	Params             map[string]any `bson:"params,omitempty"`
	EstimatedResources Resources      `bson:"estimated_resources"`
	Status             string         `bson:"status"`
	CreatedAt          time.Time      `bson:"created_at"`
	UpdatedAt          time.Time      `bson:"updated_at,omitempty"`
}

// Task is a schedulable fragment of a workflow. VolunteerID is the id of the
// assignee, never a reference to the volunteer document.
type Task struct {
	ID                 string         `bson:"_id"`
	WorkflowID         string         `bson:"workflow_id"`
	VolunteerID        string         `bson:"volunteer_id,omitempty"`
	Status             string         `bson:"status"`
	Payload            map[string]any `bson:"payload,omitempty"`
	EstimatedResources Resources      `bson:"estimated_resources"`
	CreatedAt          time.Time      `bson:"created_at"`
	AssignedAt         time.Time      `bson:"assigned_at,omitempty"`
	CompletedAt        time.Time      `bson:"completed_at,omitempty"`
}

// MessageLog is one observed pub/sub message.
type MessageLog struct {
	ID          string    `bson:"_id"`
	Channel     string    `bson:"channel"`
	RequestID   string    `bson:"request_id"`
	SenderType  string    `bson:"sender_type"`
	SenderID    string    `bson:"sender_id"`
	MessageType string    `bson:"message_type"`
	Payload     string    `bson:"payload"`
	Timestamp   time.Time `bson:"timestamp"`
}
