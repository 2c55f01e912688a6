package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		destructiveCommandPolicy(),
		taskKindPolicy(),
		inlineSecretPolicy(),
		taskNamingPolicy(),
	}
}

// destructiveCommandPolicy blocks recursive deletion of the filesystem root.
func destructiveCommandPolicy() Policy {
	return Policy{
		Name:        "destructive-command",
		Description: "Denies commands that recursively delete the filesystem root",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "commands"},
		Rego: `package chgops.builtin.destructive

import rego.v1

# rm targeting / or /* with a recursive flag
root_delete(cmd) if {
	regex.match("\\brm\\s+(-\\S+\\s+)*/\\*?(\\s|;|&|\\||$)", cmd)
	regex.match("\\brm\\s+(-\\S+\\s+)*-(-recursive|[a-zA-Z]*[rR])", cmd)
}

deny contains violation if {
	some i
	task := input.tasks[i]
	root_delete(task.command)
	violation := {
		"message": sprintf("command '%s' recursively deletes the filesystem root", [task.command]),
		"task": task.name,
		"index": i,
	}
}`,
	}
}

// taskKindPolicy requires every task to select a known kind.
func taskKindPolicy() Policy {
	return Policy{
		Name:        "task-kind",
		Description: "Denies tasks that do not select a known task kind",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"structure"},
		Rego: `package chgops.builtin.kind

import rego.v1

deny contains violation if {
	some i
	task := input.tasks[i]
	task.kind == ""
	violation := {
		"message": sprintf("task has no known kind (keys: %s)", [concat(", ", sort(task.keys))]),
		"task": task.name,
		"index": i,
	}
}`,
	}
}

// inlineSecretPolicy flags login secrets written into the playbook.
func inlineSecretPolicy() Policy {
	return Policy{
		Name:        "inline-secret",
		Description: "Warns when a client secret is written literally instead of templated or read from the environment",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"security", "credentials"},
		Rego: `package chgops.builtin.secrets

import rego.v1

warn contains violation if {
	some i
	task := input.tasks[i]
	secret := task.vars.client_secret
	is_string(secret)
	secret != ""
	not contains(secret, "{{")
	violation := {
		"message": "client_secret is written inline; use a template or AZURE_CLIENT_SECRET",
		"task": task.name,
		"index": i,
	}
}`,
	}
}

// taskNamingPolicy flags tasks without a name.
func taskNamingPolicy() Policy {
	return Policy{
		Name:        "task-naming",
		Description: "Warns about tasks without a name",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package chgops.builtin.naming

import rego.v1

warn contains violation if {
	some i
	task := input.tasks[i]
	trim_space(task.name) == ""
	violation := {
		"message": sprintf("task %s has no name", [task.kind]),
		"task": "",
		"index": i,
	}
}`,
	}
}
