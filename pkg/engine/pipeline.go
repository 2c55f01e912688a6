package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"dario.cat/mergo"
	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"

	"github.com/chgops/chgops/pkg/document"
	"github.com/chgops/chgops/pkg/facts"
	"github.com/chgops/chgops/pkg/policy"
	"github.com/chgops/chgops/pkg/tasks"
	"github.com/chgops/chgops/pkg/telemetry"
)

// Artifact file names written under the artifacts dir.
const (
	MergedArtifact   = "merged.yaml"
	FinalArtifact    = "final.yaml"
	PlaybookArtifact = "playbook.yaml"
)

// ArgumentsKey is the fact under which command line arguments are
// published.
const ArgumentsKey = "args"

// Validate runs every stage up to and including the policy check without
// executing any task.
func (e *Engine) Validate(ctx context.Context, params Params) (*Resolution, error) {
	ctx = e.tel.WithContext(ctx)
	return e.resolve(ctx, params, "")
}

// Facts resolves the configuration and the playbook variables and returns
// the fact store the tasks would start with.
func (e *Engine) Facts(ctx context.Context, params Params) (*facts.Store, error) {
	ctx = e.tel.WithContext(ctx)
	res := &Resolution{}
	if err := e.resolveConfig(ctx, params, res, ""); err != nil {
		return nil, err
	}
	if _, _, err := e.loadPlaybook(ctx, params, res); err != nil {
		return nil, err
	}
	return res.Facts, nil
}

// resolve runs the configuration and playbook stages.
func (e *Engine) resolve(ctx context.Context, params Params, runID string) (*Resolution, error) {
	if strings.TrimSpace(params.Playbook) == "" {
		return nil, NewConfigError("playbook name is required", nil).WithCode(ErrCodeInvalidArgs)
	}
	if err := ctx.Err(); err != nil {
		return nil, NewCancelledError(err)
	}

	res := &Resolution{}
	if err := e.resolveConfig(ctx, params, res, runID); err != nil {
		return res, err
	}

	doc, path, err := e.loadPlaybook(ctx, params, res)
	if err != nil {
		return res, err
	}

	pb, rawTasks, err := e.validatePlaybook(ctx, params, doc, path)
	if err != nil {
		return res, err
	}

	if err := e.checkPolicies(ctx, runID, pb, rawTasks, res); err != nil {
		return res, err
	}

	stage := telemetry.StartStage(ctx, string(StageValidate))
	pb.Tasks, err = tasks.DecodeAll(rawTasks, e.taskDeps(res, pb.Settings))
	if err != nil {
		err = NewConfigError("invalid task", err).WithCode(ErrCodeTaskDecode).WithStage(StageValidate)
		stage.End(err)
		return res, err
	}
	stage.End(nil)

	res.Playbook = pb
	return res, nil
}

// resolveConfig runs discovery, merge, reference resolution, the
// self-render passes and the publication of the result as facts.
func (e *Engine) resolveConfig(ctx context.Context, params Params, res *Resolution, runID string) error {
	// Discover.
	stage := telemetry.StartStage(ctx, string(StageDiscover))
	files, err := e.discover()
	if err != nil {
		err = NewConfigError("failed to discover configuration files", err).
			WithCode(ErrCodeDiscovery).WithStage(StageDiscover)
		stage.End(err)
		return err
	}
	res.Files = files
	stage.Logger.WithField("files", len(files)).Debug("configuration files discovered")
	stage.End(nil)

	// Merge and resolve references.
	stage = telemetry.StartStage(ctx, string(StageMerge))
	docs, err := document.LoadFiles(files)
	if err != nil {
		err = classify(err, "failed to load configuration").WithStage(StageMerge)
		stage.End(err)
		return err
	}
	merged := document.MergeAll(docs...)
	document.Resolve(merged, document.CollectReferences(merged))
	stage.End(nil)

	if err := e.writeArtifact(ctx, res, MergedArtifact, merged); err != nil {
		return err
	}

	// Self-render.
	stage = telemetry.StartStage(ctx, string(StageRender))
	final, passes, converged, err := e.selfRender(merged, params.Arguments)
	res.RenderPasses = passes
	res.Converged = converged
	e.tel.Metrics.RecordRenderPasses(passes)
	if err != nil {
		err = classify(err, "failed to render configuration").WithStage(StageRender)
		stage.End(err)
		return err
	}
	if !converged {
		msg := fmt.Sprintf("configuration still changing after %d render passes; keeping the last output", passes)
		stage.Logger.Warn(msg)
		e.tel.Events.ForRun(runID).RenderWarning(msg, passes)
	}
	stage.End(nil)

	if err := e.writeArtifact(ctx, res, FinalArtifact, final); err != nil {
		return err
	}

	// Publish.
	stage = telemetry.StartStage(ctx, string(StagePublish))
	store := facts.New()
	if err := e.publish(store, final, params.Arguments); err != nil {
		err = NewConfigError("failed to publish facts", err).WithCode(ErrCodeFacts).WithStage(StagePublish)
		stage.End(err)
		return err
	}
	res.Facts = store
	stage.End(nil)
	return nil
}

func (e *Engine) discover() ([]string, error) {
	collections, err := document.FindFiles(e.cfg.CollectionsDir, e.cfg.CollectionsPatterns...)
	if err != nil {
		return nil, err
	}
	vars, err := document.FindFiles(e.cfg.VarsDir, e.cfg.VarsPatterns...)
	if err != nil {
		return nil, err
	}
	return append(collections, vars...), nil
}

// selfRender renders the document against itself until it stops changing or
// the pass limit is reached. Each pass decodes the current tree as the
// render context.
func (e *Engine) selfRender(doc *yaml.Node, args map[string]string) (*yaml.Node, int, bool, error) {
	limit := max(e.cfg.MaxRenderPasses, 1)

	current := doc
	prev, err := document.Marshal(current)
	if err != nil {
		return nil, 0, false, err
	}

	for pass := 1; pass <= limit; pass++ {
		data, err := document.ToMap(current)
		if err != nil {
			return nil, pass, false, err
		}
		if len(args) > 0 {
			data[ArgumentsKey] = argsValue(args)
		}

		next, err := e.renderer.RenderNode("config", current, data)
		if err != nil {
			return nil, pass, false, err
		}
		text, err := document.Marshal(next)
		if err != nil {
			return nil, pass, false, err
		}

		current = next
		if bytes.Equal(text, prev) {
			return current, pass, true, nil
		}
		prev = text
	}
	return current, limit, false, nil
}

func (e *Engine) publish(store *facts.Store, doc *yaml.Node, args map[string]string) error {
	data, err := document.ToMap(doc)
	if err != nil {
		return err
	}
	if err := store.Publish(data); err != nil {
		return err
	}
	if len(args) > 0 {
		return store.Insert(ArgumentsKey, argsValue(args))
	}
	return nil
}

func argsValue(args map[string]string) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

// loadPlaybook reads the playbook, renders every top-level value except the
// tasks against the facts and merges it over the configuration. The merged
// document, minus tasks, is republished as facts.
func (e *Engine) loadPlaybook(ctx context.Context, params Params, res *Resolution) (*yaml.Node, string, error) {
	stage := telemetry.StartStage(ctx, string(StagePlaybook))

	path := e.playbookPath(params.Playbook)
	node, err := document.ParseFile(path)
	if err == nil {
		node, err = document.ExpandAnchors(node)
	}
	if err != nil {
		err = classify(err, "failed to load playbook").WithStage(StagePlaybook).WithDetail("path", path)
		stage.End(err)
		return nil, path, err
	}
	if node.Kind != yaml.MappingNode {
		err = NewConfigError("playbook must be a mapping", nil).
			WithCode(ErrCodePlaybook).WithStage(StagePlaybook).WithDetail("path", path)
		stage.End(err)
		return nil, path, err
	}

	data := res.Facts.Snapshot()
	rendered := document.NewMapping()
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if key.Value != "tasks" {
			value, err = e.renderer.RenderNode("playbook."+key.Value, value, data)
			if err != nil {
				err = classify(err, "failed to render playbook").WithStage(StagePlaybook)
				stage.End(err)
				return nil, path, err
			}
		}
		rendered.Content = append(rendered.Content, key, value)
	}

	config, err := document.FromValue(data)
	if err != nil {
		err = NewConfigError("failed to encode facts", err).WithStage(StagePlaybook)
		stage.End(err)
		return nil, path, err
	}
	doc := document.Merge(config, rendered)

	if err := e.writeArtifact(ctx, res, PlaybookArtifact, doc); err != nil {
		stage.End(err)
		return nil, path, err
	}
	text, _ := document.Marshal(doc)
	res.Facts.SetPlaybookText(string(text))

	vars, err := document.ToMap(document.Without(doc, "tasks"))
	if err == nil {
		err = res.Facts.Publish(vars)
	}
	if err != nil {
		err = NewConfigError("failed to publish playbook facts", err).WithCode(ErrCodeFacts).WithStage(StagePlaybook)
		stage.End(err)
		return nil, path, err
	}

	stage.End(nil)
	return doc, path, nil
}

func (e *Engine) playbookPath(name string) string {
	path := name
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
	default:
		path += ".yaml"
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.cfg.Workspace, path)
}

// validatePlaybook checks the playbook against the schema and decodes its
// settings over the defaults.
func (e *Engine) validatePlaybook(ctx context.Context, params Params, doc *yaml.Node, path string) (*Playbook, []any, error) {
	stage := telemetry.StartStage(ctx, string(StageValidate))

	raw, err := document.ToMap(doc)
	if err != nil {
		err = NewConfigError("failed to decode playbook", err).WithCode(ErrCodePlaybook).WithStage(StageValidate)
		stage.End(err)
		return nil, nil, err
	}

	if err := e.schemas.ValidatePlaybook(stage.Ctx, raw); err != nil {
		err = NewConfigError("playbook does not match the schema", err).
			WithCode(ErrCodeSchema).WithStage(StageValidate).WithDetail("path", path)
		stage.End(err)
		return nil, nil, err
	}

	settings, err := e.decodeSettings(raw["settings"])
	if err != nil {
		err = NewConfigError("invalid playbook settings", err).WithCode(ErrCodePlaybook).WithStage(StageValidate)
		stage.End(err)
		return nil, nil, err
	}

	name := settings.Name
	if name == "" {
		name, _ = raw["name"].(string)
	}
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(params.Playbook), filepath.Ext(params.Playbook))
	}

	rawTasks, _ := raw["tasks"].([]any)
	stage.End(nil)

	return &Playbook{
		Name:     name,
		Path:     path,
		Settings: settings,
		Document: raw,
	}, rawTasks, nil
}

// decodeSettings decodes the settings mapping and merges it over the
// defaults.
func (e *Engine) decodeSettings(raw any) (Settings, error) {
	settings := Settings{DefaultTimeout: e.cfg.DefaultTaskTimeout}
	if raw == nil {
		return settings, nil
	}

	var user Settings
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     &user,
	})
	if err != nil {
		return settings, err
	}
	if err := decoder.Decode(raw); err != nil {
		return settings, err
	}
	if user.DefaultTimeout < 0 {
		return settings, fmt.Errorf("default_timeout must not be negative")
	}

	if err := mergo.Merge(&settings, user, mergo.WithOverride); err != nil {
		return settings, fmt.Errorf("failed to merge settings: %w", err)
	}
	return settings, nil
}

// checkPolicies evaluates the policies over the undecoded tasks. Blocking
// violations abort the run; warnings are logged.
func (e *Engine) checkPolicies(ctx context.Context, runID string, pb *Playbook, rawTasks []any, res *Resolution) error {
	if e.policies == nil {
		return nil
	}
	stage := telemetry.StartStage(ctx, string(StagePolicy))

	settings, _ := pb.Document["settings"].(map[string]any)
	input := policy.Input{
		Playbook: policy.PlaybookInput{Name: pb.Name, Settings: settings},
		Tasks:    TaskInputs(rawTasks),
	}

	result, err := e.policies.Evaluate(stage.Ctx, input)
	if err != nil {
		err = NewPolicyError("policy evaluation failed", err).WithCode(ErrCodePolicyEval).WithStage(StagePolicy)
		stage.End(err)
		return err
	}
	res.Policy = result

	events := e.tel.Events.ForRun(runID)
	for _, w := range result.Warnings {
		stage.Logger.WithField("policy", w.Policy).Warn(w.String())
		events.PolicyFinding(w.Policy, string(w.Severity), w.Task, w.Message, false)
	}
	for _, msg := range result.Errors {
		stage.Logger.Warn(msg)
	}
	for _, v := range result.Violations {
		e.tel.Metrics.RecordPolicyViolation(string(v.Severity))
		events.PolicyFinding(v.Policy, string(v.Severity), v.Task, v.Message, v.Severity.Blocking())
	}

	if blocking := result.Blocking(); len(blocking) > 0 {
		err = NewPolicyError("playbook denied by policy", fmt.Errorf("%s", policy.Summary(blocking))).
			WithCode(ErrCodePolicy).WithStage(StagePolicy).WithDetail("violations", len(blocking))
		stage.End(err)
		return err
	}
	stage.End(nil)
	return nil
}

// TaskInputs describes raw task mappings for policy evaluation. Tasks that
// name no known kind get an empty kind.
func TaskInputs(rawTasks []any) []policy.TaskInput {
	out := make([]policy.TaskInput, 0, len(rawTasks))
	for i, item := range rawTasks {
		in := policy.TaskInput{Index: i, Keys: []string{}}
		m, ok := item.(map[string]any)
		if !ok {
			out = append(out, in)
			continue
		}
		for k := range m {
			in.Keys = append(in.Keys, k)
		}
		sort.Strings(in.Keys)

		fields := m
		if kind, flat, err := tasks.Flatten(m); err == nil {
			in.Kind = string(kind)
			fields = flat
		}
		in.Name = stringField(fields, "name")
		in.Command = stringField(fields, "command")
		in.Register = stringField(fields, "register")
		in.When = stringField(fields, "when")
		in.Vars, _ = fields["vars"].(map[string]any)
		out = append(out, in)
	}
	return out
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// writeArtifact writes node to the artifacts dir.
func (e *Engine) writeArtifact(ctx context.Context, res *Resolution, name string, node *yaml.Node) error {
	stage := telemetry.StartStage(ctx, string(StageArtifacts))

	data, err := document.Marshal(node)
	if err == nil {
		err = os.MkdirAll(e.cfg.ArtifactsDir, 0o755)
	}
	path := filepath.Join(e.cfg.ArtifactsDir, name)
	if err == nil {
		err = os.WriteFile(path, data, 0o644)
	}
	if err != nil {
		err = NewConfigError("failed to write artifact "+name, err).
			WithCode(ErrCodeArtifact).WithStage(StageArtifacts)
		stage.End(err)
		return err
	}

	res.Artifacts = append(res.Artifacts, path)
	stage.Logger.WithField("path", path).Debug("artifact written")
	stage.End(nil)
	return nil
}
