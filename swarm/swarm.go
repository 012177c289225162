// Package swarm implements the decentralized swarm coordinator: recruiting
// agents for a task, assigning and reassigning sub-tasks, and aggregating
// results into shared state.
package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-agents/fabric/envelope"
	"github.com/lattice-agents/fabric/fabriterr"
	"github.com/lattice-agents/fabric/observability"
	"github.com/lattice-agents/fabric/registry"
	"github.com/lattice-agents/fabric/router"
)

// Status is one of the Swarm Session lifecycle states.
type Status string

const (
	StatusRecruiting Status = "recruiting"
	StatusActive     Status = "active"
	StatusCompleting Status = "completing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// SubTaskStatus is one of a sub-task's lifecycle states.
type SubTaskStatus string

const (
	SubTaskPending   SubTaskStatus = "pending"
	SubTaskRunning   SubTaskStatus = "running"
	SubTaskCompleted SubTaskStatus = "completed"
	SubTaskFailed    SubTaskStatus = "failed"
)

// SubTask is a unit of work inside a swarm session.
type SubTask struct {
	ID                   string
	Description          string
	AssignedAgent        string
	RequiredCapabilities []string
	Status               SubTaskStatus
	Result               any
}

// Session is a Swarm Session (§3), owned exclusively by the Coordinator that
// created it.
type Session struct {
	ID              string
	TaskDescription string
	Participants    []string // insertion order = join order
	SubTasks        []*SubTask
	Status          Status
	SharedState     map[string]any
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

type proposalPayload struct {
	SwarmID              string   `json:"swarmId"`
	TaskDescription      string   `json:"taskDescription"`
	RequiredCapabilities []string `json:"requiredCapabilities"`
}

// Coordinator owns every swarm session it creates.
type Coordinator struct {
	agentID string
	factory *envelope.Factory
	reg     *registry.Registry
	router  *router.Router

	mu       sync.Mutex
	sessions map[string]*Session
}

// New constructs a Coordinator for the owning agent.
func New(agentID string, factory *envelope.Factory, reg *registry.Registry, r *router.Router) *Coordinator {
	return &Coordinator{
		agentID:  agentID,
		factory:  factory,
		reg:      reg,
		router:   r,
		sessions: make(map[string]*Session),
	}
}

// CreateSwarm resolves candidate agents via the registry (any agent
// advertising at least one required capability), broadcasts a task-proposal
// to each, creates one pending sub-task per description, and records the
// session in "recruiting".
func (c *Coordinator) CreateSwarm(ctx context.Context, description string, requiredCapabilities []string, subTaskDescriptions []string) (*Session, error) {
	swarmID := uuid.New().String()

	candidates := c.candidateAgents(requiredCapabilities)

	subTasks := make([]*SubTask, 0, len(subTaskDescriptions))
	for _, desc := range subTaskDescriptions {
		subTasks = append(subTasks, &SubTask{
			ID:                   uuid.New().String(),
			Description:          desc,
			RequiredCapabilities: requiredCapabilities,
			Status:               SubTaskPending,
		})
	}

	session := &Session{
		ID:              swarmID,
		TaskDescription: description,
		SubTasks:        subTasks,
		Status:          StatusRecruiting,
		SharedState:     make(map[string]any),
		CreatedAt:       time.Now(),
	}

	c.mu.Lock()
	c.sessions[swarmID] = session
	c.mu.Unlock()

	for _, candidateID := range candidates {
		env, err := c.factory.CreateTaskProposal(candidateID, proposalPayload{
			SwarmID:              swarmID,
			TaskDescription:      description,
			RequiredCapabilities: requiredCapabilities,
		})
		if err != nil {
			return nil, fmt.Errorf("swarm: build recruitment proposal: %w", err)
		}
		c.router.Send(ctx, env)
	}

	return session, nil
}

// candidateAgents returns, in stable id order, every registered agent
// advertising at least one of the required capabilities.
func (c *Coordinator) candidateAgents(requiredCapabilities []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, capName := range requiredCapabilities {
		for _, card := range c.reg.FindByCapability(capName) {
			if !seen[card.ID] {
				seen[card.ID] = true
				out = append(out, card.ID)
			}
		}
	}
	return out
}

// JoinSwarm assigns the first pending sub-task to the joining agent.
func (c *Coordinator) JoinSwarm(swarmID, agentID string) (*SubTask, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, ok := c.sessions[swarmID]
	if !ok {
		return nil, fabriterr.New(fabriterr.NotFound, "swarm %q not found", swarmID)
	}
	if session.Status == StatusCompleted || session.Status == StatusFailed {
		return nil, fabriterr.New(fabriterr.StateViolation, "swarm %q is %s", swarmID, session.Status)
	}

	var target *SubTask
	for _, st := range session.SubTasks {
		if st.Status == SubTaskPending {
			target = st
			break
		}
	}
	if target == nil {
		return nil, fabriterr.New(fabriterr.StateViolation, "swarm %q has no pending sub-task", swarmID)
	}

	target.AssignedAgent = agentID
	target.Status = SubTaskRunning
	session.Status = StatusActive
	session.Participants = append(session.Participants, agentID)

	return target, nil
}

// CompleteSubTask marks a sub-task completed and stores its result under
// sub_task_id in shared state. When every sub-task is completed, the swarm
// becomes completed and CompletedAt is set.
func (c *Coordinator) CompleteSubTask(swarmID, subTaskID string, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, ok := c.sessions[swarmID]
	if !ok {
		return fabriterr.New(fabriterr.NotFound, "swarm %q not found", swarmID)
	}
	st, ok := findSubTask(session, subTaskID)
	if !ok {
		return fabriterr.New(fabriterr.NotFound, "sub-task %q not found in swarm %q", subTaskID, swarmID)
	}

	st.Status = SubTaskCompleted
	st.Result = result
	session.SharedState[subTaskID] = result

	sessionCompleted := allSettled(session, SubTaskCompleted)
	if sessionCompleted {
		session.Status = StatusCompleted
		now := time.Now()
		session.CompletedAt = &now
	}
	c.emitSwarmEvent(swarmID, subTaskID, sessionCompleted)
	return nil
}

// FailSubTask tries to reassign the sub-task to the earliest-joined
// participant other than the original assignee. On success the sub-task
// returns to running under the new assignee. With no alternative, the
// sub-task and the whole swarm fail.
func (c *Coordinator) FailSubTask(swarmID, subTaskID, reason string) (reassigned bool, newAgent string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, ok := c.sessions[swarmID]
	if !ok {
		return false, "", fabriterr.New(fabriterr.NotFound, "swarm %q not found", swarmID)
	}
	st, ok := findSubTask(session, subTaskID)
	if !ok {
		return false, "", fabriterr.New(fabriterr.NotFound, "sub-task %q not found in swarm %q", subTaskID, swarmID)
	}

	failedAgent := st.AssignedAgent
	for _, participant := range session.Participants {
		if participant == failedAgent {
			continue
		}
		st.AssignedAgent = participant
		st.Status = SubTaskRunning
		c.emitSwarmEvent(swarmID, subTaskID, false)
		return true, participant, nil
	}

	st.Status = SubTaskFailed
	session.Status = StatusFailed
	_ = reason
	c.emitSwarmEvent(swarmID, subTaskID, false)
	return false, "", nil
}

// emitSwarmEvent reports a sub-task or session transition to the fabric
// sink, if one is wired on the coordinator's router. success drives the
// swarm-completions metric: it is true only once a whole session settles
// into completed.
func (c *Coordinator) emitSwarmEvent(swarmID, subTaskID string, success bool) {
	sink := c.router.Sink()
	if sink == nil {
		return
	}
	succ := success
	sink.Emit(observability.Event{
		Type:        observability.EventSwarmEvent,
		EnvelopeID:  subTaskID,
		Sender:      c.agentID,
		Recipient:   swarmID,
		MessageType: subTaskID,
		Success:     &succ,
	})
}

func findSubTask(session *Session, subTaskID string) (*SubTask, bool) {
	for _, st := range session.SubTasks {
		if st.ID == subTaskID {
			return st, true
		}
	}
	return nil, false
}

func allSettled(session *Session, status SubTaskStatus) bool {
	for _, st := range session.SubTasks {
		if st.Status != status {
			return false
		}
	}
	return true
}

// GetSwarm looks up a session by id.
func (c *Coordinator) GetSwarm(swarmID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[swarmID]
	return s, ok
}

// ListActiveSwarms returns every session in recruiting or active status.
func (c *Coordinator) ListActiveSwarms() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Session
	for _, s := range c.sessions {
		if s.Status == StatusRecruiting || s.Status == StatusActive {
			out = append(out, s)
		}
	}
	return out
}

// SnapshotSharedState returns a read-only copy of a session's shared state,
// useful for observability/control-plane layers without exposing the live
// map the coordinator owns.
func (c *Coordinator) SnapshotSharedState(swarmID string) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.sessions[swarmID]
	if !ok {
		return nil, fabriterr.New(fabriterr.NotFound, "swarm %q not found", swarmID)
	}
	out := make(map[string]any, len(session.SharedState))
	for k, v := range session.SharedState {
		out[k] = v
	}
	return out, nil
}
