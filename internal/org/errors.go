package org

import "errors"

var (
	ErrAgentNotFound       = errors.New("agent_not_found")
	ErrRoleNotFound        = errors.New("role_not_found")
	ErrRoleNameConflict    = errors.New("role_name_conflict")
	ErrParentTerminated    = errors.New("parent_terminated")
	ErrCannotTerminateRoot = errors.New("cannot terminate root agent")
)
