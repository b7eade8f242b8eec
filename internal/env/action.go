// internal/env/action.go
package env

import (
	"fmt"
	"strings"
)

// Action is one of the five discrete moves available to the agent.
type Action int

const (
	FollowFirstLink Action = iota
	ScrollDown
	ProbeFormsAndInject
	GoBack
	Refresh
)

// NumActions is the size of the action space.
const NumActions = 5

// Actions lists every action in index order.
var Actions = [NumActions]Action{FollowFirstLink, ScrollDown, ProbeFormsAndInject, GoBack, Refresh}

var actionNames = [NumActions]string{
	"follow_first_link",
	"scroll_down",
	"probe_forms_and_inject",
	"go_back",
	"refresh",
}

// Valid reports whether a is inside the action space.
func (a Action) Valid() bool { return a >= 0 && int(a) < NumActions }

func (a Action) String() string {
	if !a.Valid() {
		return fmt.Sprintf("action(%d)", int(a))
	}
	return actionNames[a]
}

// ParseAction resolves an action name as produced by String.
func ParseAction(s string) (Action, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range actionNames {
		if n == name {
			return Action(i), nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", s)
}
