package objectstore

import (
	"slices"
)

// AgentRegisterPayload lists live agents and those pending reclamation. An address is in
// at most one of the two lists.
type AgentRegisterPayload struct {
	Agents          []string `json:"agents"`
	UntrackedAgents []string `json:"untrackedAgents"`
}

func (*AgentRegisterPayload) ObjectType() ObjectType { return TypeAgentRegister }

// AgentRegister is the registry of agents.
type AgentRegister struct {
	StoredObject[*AgentRegisterPayload]
}

func NewAgentRegister(backend Backend, address string) *AgentRegister {
	return &AgentRegister{StoredObject: *NewStoredObject[*AgentRegisterPayload](backend, address, TypeAgentRegister)}
}

// Initialize prepares an empty register owned by owner.
func (r *AgentRegister) Initialize(owner string) error {
	if err := r.StoredObject.Initialize(&AgentRegisterPayload{}); err != nil {
		return err
	}
	r.owner = owner
	r.backup = owner
	return nil
}

// AddAgent tracks a new agent. Adding an address already known fails with ErrInvalidArgument.
func (r *AgentRegister) AddAgent(addr string) error {
	p, err := r.MutablePayload()
	if err != nil {
		return err
	}
	if slices.Contains(p.Agents, addr) || slices.Contains(p.UntrackedAgents, addr) {
		return NewError(InvalidArgument, addr, "agent already in register")
	}
	p.Agents = append(p.Agents, addr)
	return nil
}

// RemoveAgent drops addr from both lists. Removing an unknown address is a no-op.
func (r *AgentRegister) RemoveAgent(addr string) error {
	p, err := r.MutablePayload()
	if err != nil {
		return err
	}
	p.Agents = slices.DeleteFunc(p.Agents, func(a string) bool { return a == addr })
	p.UntrackedAgents = slices.DeleteFunc(p.UntrackedAgents, func(a string) bool { return a == addr })
	return nil
}

// UntrackAgent marks a tracked agent as pending reclamation.
func (r *AgentRegister) UntrackAgent(addr string) error {
	p, err := r.MutablePayload()
	if err != nil {
		return err
	}
	i := slices.Index(p.Agents, addr)
	if i < 0 {
		return NewError(InvalidArgument, addr, "agent is not tracked")
	}
	p.Agents = slices.Delete(p.Agents, i, i+1)
	p.UntrackedAgents = append(p.UntrackedAgents, addr)
	return nil
}

// TrackAgent moves an untracked agent back to the tracked list.
func (r *AgentRegister) TrackAgent(addr string) error {
	p, err := r.MutablePayload()
	if err != nil {
		return err
	}
	i := slices.Index(p.UntrackedAgents, addr)
	if i < 0 {
		return NewError(InvalidArgument, addr, "agent is not untracked")
	}
	p.UntrackedAgents = slices.Delete(p.UntrackedAgents, i, i+1)
	p.Agents = append(p.Agents, addr)
	return nil
}

// Agents returns tracked and untracked agents.
func (r *AgentRegister) Agents() ([]string, error) {
	p, err := r.Payload()
	if err != nil {
		return nil, err
	}
	return slices.Concat(p.Agents, p.UntrackedAgents), nil
}

func (r *AgentRegister) TrackedAgents() ([]string, error) {
	p, err := r.Payload()
	if err != nil {
		return nil, err
	}
	return slices.Clone(p.Agents), nil
}

func (r *AgentRegister) UntrackedAgents() ([]string, error) {
	p, err := r.Payload()
	if err != nil {
		return nil, err
	}
	return slices.Clone(p.UntrackedAgents), nil
}

// IsEmpty reports whether the register knows no agent at all.
func (r *AgentRegister) IsEmpty() (bool, error) {
	p, err := r.Payload()
	if err != nil {
		return false, err
	}
	return len(p.Agents) == 0 && len(p.UntrackedAgents) == 0, nil
}
