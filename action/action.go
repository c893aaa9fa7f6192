// Package action defines the composition recipe of a runner and resolves it
// into a LinkedRunner for one execution mode.
package action

import (
	"github.com/wippyai/dualvm"
)

// Action is one node of a recipe tree.
type Action interface {
	isAction()
}

// MapFile exposes an archive file (or, when From ends with "/", every file
// under that prefix) at To in the guest filesystem.
type MapFile struct {
	To   string
	From string
}

// AddEnv sets an environment variable. ${NAME} references in Value expand
// against the variables set so far.
type AddEnv struct {
	Name  string
	Value string
}

// SetArgs replaces the argument list.
type SetArgs []string

// Depends applies another runner's recipe in that runner's namespace.
type Depends string

// LinkModule instantiates a module before the entry module so that it can
// satisfy the entry module's imports.
type LinkModule string

// StartModule designates the entry module.
type StartModule string

// When applies Action only in Mode.
type When struct {
	Mode   dualvm.Mode
	Action Action
}

// Seq applies actions in order.
type Seq []Action

// With applies Action with file references resolved in Runner's namespace.
type With struct {
	Runner string
	Action Action
}

func (MapFile) isAction()     {}
func (AddEnv) isAction()      {}
func (SetArgs) isAction()     {}
func (Depends) isAction()     {}
func (LinkModule) isAction()  {}
func (StartModule) isAction() {}
func (When) isAction()        {}
func (Seq) isAction()         {}
func (With) isAction()        {}
