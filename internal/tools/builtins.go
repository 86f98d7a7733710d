package tools

// Builtin group names.
const (
	GroupMessaging = "messaging"
	GroupArtifacts = "artifacts"
	GroupWeb       = "web"
	GroupSystem    = "system"
)

// RegisterBuiltins installs the core tool surface. send_message belongs to
// both messaging and org_management so the root agent can reach its agents.
func RegisterBuiltins(r *Registry, workDir string) error {
	if err := r.RegisterGroup(GroupMessaging, SendMessage{}, WaitForMessage{}); err != nil {
		return err
	}
	if err := r.RegisterGroup(GroupArtifacts, PutArtifact{}, GetArtifact{}); err != nil {
		return err
	}
	if err := r.RegisterGroup(GroupOrgManagement, FindRoleByName{}, CreateRole{}, SpawnAgentWithTask{}, TerminateAgent{}); err != nil {
		return err
	}
	if err := r.Include(GroupOrgManagement, "send_message"); err != nil {
		return err
	}
	if err := r.RegisterGroup(GroupWeb, HTTPRequest{}); err != nil {
		return err
	}
	if err := r.RegisterGroup(GroupSystem, RunCommand{WorkDir: workDir}, RunJavascript{}); err != nil {
		return err
	}
	return nil
}
