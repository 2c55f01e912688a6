package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with the built-in
// playbook and task schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema("playbook", builtinPlaybookSchema, "#Playbook"); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema("task", builtinPlaybookSchema, "#Task"); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles source and registers the definition it names
// (for example "#Playbook") under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if err := def.Err(); err != nil {
		return fmt.Errorf("schema %s has no definition %s: %w", name, definition, err)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema. The returned
// error lists every violation with its path.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data any) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	sr.mu.Lock()
	dataVal := sr.ctx.Encode(data)
	sr.mu.Unlock()
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %s", errors.Details(err, nil))
	}
	return nil
}

// ValidatePlaybook validates a merged playbook document.
func (sr *SchemaRegistry) ValidatePlaybook(ctx context.Context, playbook map[string]any) error {
	return sr.ValidateAgainstSchema(ctx, "playbook", playbook)
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// The playbook document also carries every merged variable, so both
// definitions stay open.
const builtinPlaybookSchema = `
#Command: string | {
	command?:  string
	name?:     string
	vars?:     {...}
	register?: #Identifier
	state?:    #State
	when?:     string | bool
	timeout?:  #Duration
	...
}

#Identifier: string & =~"^[A-Za-z_][A-Za-z0-9_]*$"
#State:      "present" | "absent"
#Duration:   string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Task: {
	name?:     string
	vars?:     {...}
	register?: #Identifier
	state?:    #State
	when?:     string | bool
	timeout?:  #Duration

	"dx.core.bash"?:   #Command
	"dx.core.wincmd"?: #Command
	"dx.azure.cli"?:   #Command
	"dx.azure.login"?: null | #Command
	"dx.core.print"?:  #Command
	...
}

#Settings: {
	name?:            string
	description?:     string
	fail_fast?:       bool
	default_timeout?: #Duration
	...
}

#Playbook: {
	name?:     string
	settings?: #Settings
	tasks!: [...#Task]
	...
}
`
