// Package policy evaluates Rego policies against a playbook before any task
// runs.
//
// A policy is a Rego module. Members of its "deny" set are violations and
// abort the run when their severity is error or critical; members of its
// "warn" set are reported and never block. Members are either strings or
// objects with message, severity, task and index fields.
//
// The input document is an Input: the playbook name and settings, and one
// TaskInput per task carrying its kind, name, command and vars before any
// template is rendered.
//
//	eng, err := policy.NewEngine(ctx, policy.Config{Builtin: true}, logger)
//	if err != nil {
//	    return err
//	}
//	res, err := eng.Evaluate(ctx, input)
//	if err == nil && !res.Allowed {
//	    fmt.Println(policy.Summary(res.Blocking()))
//	}
package policy
