package proto

import "fmt"

// An Initialiser builds a fresh state graph for one session and returns its
// initial state.
type Initialiser func(sessionID string) State

// A Protocol describes one role's projection of a global protocol, as
// produced by the code generator.
//
// For the coordinating role, Self and Coordinator are equal and Peers lists
// the roles that connect to it. For any other participant, Peers lists every
// other role, the coordinator included.
type Protocol struct {
	Name        string
	Self        Role
	Coordinator Role
	Peers       Roles
	Initial     Initialiser
}

// IsCoordinator reports whether the described role is the coordinating one.
func (p *Protocol) IsCoordinator() bool { return p.Self == p.Coordinator }

func (p *Protocol) Validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("protocol: name required")
	case p.Self == "":
		return fmt.Errorf("protocol %s: self role required", p.Name)
	case p.Coordinator == "":
		return fmt.Errorf("protocol %s: coordinator role required", p.Name)
	case len(p.Peers) == 0:
		return fmt.Errorf("protocol %s: at least one peer required", p.Name)
	case p.Peers.Contains(p.Self):
		return fmt.Errorf("protocol %s: %s cannot be its own peer", p.Name, p.Self)
	case p.Initial == nil:
		return fmt.Errorf("protocol %s: initialiser required", p.Name)
	}
	if !p.IsCoordinator() && !p.Peers.Contains(p.Coordinator) {
		return fmt.Errorf("protocol %s: coordinator %s must be a peer", p.Name, p.Coordinator)
	}
	seen := map[Role]bool{}
	for _, r := range p.Peers {
		if seen[r] {
			return fmt.Errorf("protocol %s: duplicate role %s", p.Name, r)
		}
		seen[r] = true
	}
	return nil
}
