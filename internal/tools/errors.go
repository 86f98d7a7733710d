package tools

import (
	"errors"
	"fmt"

	"github.com/hivegrid/hivegrid/internal/org"
)

// Stable error codes surfaced in tool results. The model sees these
// verbatim, so they never change spelling.
const (
	CodeUnknownTool        = "unknown_tool"
	CodeInvalidArgs        = "invalid_args"
	CodeToolNotPermitted   = "tool_not_permitted"
	CodeAgentNotFound      = "agent_not_found"
	CodeRoleNotFound       = "role_not_found"
	CodeRoleNameConflict   = "role_name_conflict"
	CodeParentTerminated   = "parent_terminated"
	CodeArtifactNotFound   = "artifact_not_found"
	CodeArtifactWriteError = "artifact_write_failed"
	CodeOnlyHTTPSAllowed   = "only_https_allowed"
	CodeInvalidURL         = "invalid_url"
	CodeInvalidMethod      = "invalid_method"
	CodeCommandBlocked     = "command_blocked"
	CodeCommandTimeout     = "command_timeout"
	CodeCommandFailed      = "command_failed"
	CodeInternal           = "internal_error"
)

// ToolError is a coded failure returned to the model as a structured tool
// result.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errf builds a coded tool error.
func Errf(code, format string, args ...any) *ToolError {
	return &ToolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsToolError coerces any error into a ToolError, mapping known
// organization sentinels onto their codes.
func AsToolError(err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	switch {
	case errors.Is(err, org.ErrAgentNotFound):
		return Errf(CodeAgentNotFound, "%v", err)
	case errors.Is(err, org.ErrRoleNotFound):
		return Errf(CodeRoleNotFound, "%v", err)
	case errors.Is(err, org.ErrRoleNameConflict):
		return Errf(CodeRoleNameConflict, "%v", err)
	case errors.Is(err, org.ErrParentTerminated):
		return Errf(CodeParentTerminated, "%v", err)
	}
	return Errf(CodeInternal, "%v", err)
}
