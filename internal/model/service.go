package model

import "fmt"

// Service is one service of a device: its identity, URLs and the actions
// and state variables it exposes. URLs are stored relative to the owning
// root device's base URL.
type Service struct {
	ID          ServiceID
	Type        TypeURN
	SCPDURL     string
	ControlURL  string
	EventSubURL string

	Actions        []*Action
	StateVariables []*StateVariable
}

// NewService constructs a service and validates the per-service model
// invariants: a non-empty ID, a service-kind type URN, unique action names
// and unique state-variable names. With strict validation every argument
// must also name a relatedStateVariable that resolves within the service.
// The three URLs are not checked here.
func NewService(id ServiceID, svcType TypeURN, actions []*Action, vars []*StateVariable, level ValidationLevel) (*Service, error) {
	if id == "" {
		return nil, fmt.Errorf("service ID is empty")
	}
	if svcType.IsZero() {
		return nil, fmt.Errorf("service %s: type is empty", id)
	}
	if svcType.Kind != URNService {
		return nil, fmt.Errorf("service %s: type %s is not a service URN", id, svcType)
	}

	s := &Service{ID: id, Type: svcType}

	varNames := make(map[string]struct{}, len(vars))
	for _, v := range vars {
		if _, dup := varNames[v.Name]; dup {
			return nil, fmt.Errorf("service %s: duplicate state variable %s", id, v.Name)
		}
		varNames[v.Name] = struct{}{}
		s.StateVariables = append(s.StateVariables, v)
	}

	actNames := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		if _, dup := actNames[a.Name]; dup {
			return nil, fmt.Errorf("service %s: duplicate action %s", id, a.Name)
		}
		actNames[a.Name] = struct{}{}
		if level == ValidationStrict {
			for _, arg := range append(append([]Argument{}, a.In...), a.Out...) {
				if arg.RelatedStateVariable == "" {
					return nil, fmt.Errorf("service %s: action %s argument %s has no related state variable", id, a.Name, arg.Name)
				}
				if _, ok := varNames[arg.RelatedStateVariable]; !ok {
					return nil, fmt.Errorf("service %s: action %s argument %s references unknown state variable %s",
						id, a.Name, arg.Name, arg.RelatedStateVariable)
				}
			}
		}
		a.Service = s
		s.Actions = append(s.Actions, a)
	}

	return s, nil
}

// Action returns the action by name, or nil.
func (s *Service) Action(name string) *Action {
	for _, a := range s.Actions {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// StateVariable returns the state variable by name, or nil.
func (s *Service) StateVariable(name string) *StateVariable {
	for _, v := range s.StateVariables {
		if v.Name == name {
			return v
		}
	}
	return nil
}

// EventedVariables returns the variables published via GENA, in
// declaration order.
func (s *Service) EventedVariables() []*StateVariable {
	var out []*StateVariable
	for _, v := range s.StateVariables {
		if v.SendEvents {
			out = append(out, v)
		}
	}
	return out
}

// checkURLs verifies the three service URLs are set; required for strict
// validation once the service is attached to a device.
func (s *Service) checkURLs() error {
	if s.SCPDURL == "" || s.ControlURL == "" || s.EventSubURL == "" {
		return fmt.Errorf("service %s: missing description, control or event URL", s.ID)
	}
	return nil
}
