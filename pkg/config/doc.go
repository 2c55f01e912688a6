// Package config provides engine configuration, playbook schema validation
// and condition evaluation for chgops.
//
// # Engine configuration
//
// EngineConfig is loaded with viper from chgops.yaml (the workspace first,
// then $HOME/.chgops), overridden by CHGOPS_* environment variables and
// validated with go-playground/validator:
//
//	cfg, err := config.Load("", "./playbooks/demo")
//	if err != nil {
//	    return err
//	}
//
// Relative directories in the file are resolved against the workspace.
//
// # Schema Validation
//
// SchemaRegistry compiles CUE definitions. The built-in "playbook" schema
// (#Playbook) checks the merged playbook document before any task runs:
// task fields, register names, states, timeouts and settings. The document
// also carries every merged variable, so the definitions are open.
//
// # Conditions
//
// ConditionEvaluator evaluates task "when" expressions as Starlark:
//
//	ok, err := ce.Eval(ctx, `env == "prod" and deploy.status == 0`, facts)
//
// Evaluation is sandboxed: no I/O builtins, print is suppressed, and both a
// step budget and a timeout apply.
package config
