// Package tasks implements the playbook task kinds.
//
// Every kind shares one state machine: reset the output, evaluate the when
// guard, perform the kind's action through the injected runner, fold the
// result into an Output with a single Disposition, and register the result
// in the fact store. Commands, vars and when guards are rendered at
// execution time so they see facts registered by earlier tasks.
package tasks
