package rpc

import (
	"wardend/internal/command"
	"wardend/internal/model"
)

// CheckResultParams is the wire shape of event::CheckResult: a bare
// model.CheckResult carries no object identity, so the object's
// FullName travels alongside it.
type CheckResultParams struct {
	Object string            `json:"object"`
	Result model.CheckResult `json:"result"`
}

// ExecuteCommandParams is the wire shape of event::ExecuteCommand,
// mirroring CheckResultParams: the receiving node needs to know which
// object the spec belongs to so it can address its reply.
type ExecuteCommandParams struct {
	Object string       `json:"object"`
	Spec   command.Spec `json:"spec"`
}
