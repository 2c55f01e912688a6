package tasks

import (
	"context"
	"fmt"
	"strings"
)

// Credential environment fallbacks for azure login.
const (
	EnvAzureClientID     = "AZURE_CLIENT_ID"
	EnvAzureClientSecret = "AZURE_CLIENT_SECRET"
	EnvAzureTenantID     = "AZURE_TENANT_ID"
)

// azureLoginTask authenticates the Azure CLI with a service principal.
type azureLoginTask struct {
	base
}

func newAzureLoginTask(spec Spec, deps Deps) *azureLoginTask {
	t := &azureLoginTask{base: newBase(KindAzureLogin, spec, deps)}
	// literal secrets are known up front; env ones are added at execution
	if s, ok := spec.Vars["client_secret"].(string); ok {
		t.masker.Add(s)
	}
	return t
}

func (t *azureLoginTask) Execute(ctx context.Context) Output {
	return t.execute(ctx, t.perform)
}

type servicePrincipal struct {
	clientID     string
	clientSecret string
	tenantID     string
}

func (t *azureLoginTask) perform(ctx context.Context, data map[string]any, out *Output) {
	if t.deps.Runner == nil {
		out.Status = -1
		out.fail("no command runner configured")
		return
	}

	sp, err := t.credentials(data)
	if err != nil {
		out.fail(err.Error())
		return
	}

	args := []string{
		"login", "--service-principal",
		"--username", sp.clientID,
		"--password", sp.clientSecret,
		"--tenant", sp.tenantID,
		"--output", "json",
	}
	res, err := t.deps.Runner.Run(ctx, "az", args)
	t.settleCommand(res, err, DispositionSucceeded, out)
	if out.Disposition == DispositionSucceeded {
		out.Data = parseJSON(out.Stdout)
	}
}

// credentials renders the vars and applies environment fallbacks.
func (t *azureLoginTask) credentials(data map[string]any) (servicePrincipal, error) {
	value := func(key, env string) (string, error) {
		raw, _ := t.spec.Vars[key].(string)
		if raw != "" {
			rendered, err := t.render("vars."+key, raw, data)
			if err != nil {
				return "", err
			}
			if rendered != "" {
				return rendered, nil
			}
		}
		return t.deps.Getenv(env), nil
	}

	var sp servicePrincipal
	var err error
	if sp.clientID, err = value("client_id", EnvAzureClientID); err != nil {
		return sp, err
	}
	if sp.clientSecret, err = value("client_secret", EnvAzureClientSecret); err != nil {
		return sp, err
	}
	if sp.tenantID, err = value("tenant_id", EnvAzureTenantID); err != nil {
		return sp, err
	}
	t.masker.Add(sp.clientSecret)

	var missing []string
	if sp.clientID == "" {
		missing = append(missing, "client_id ("+EnvAzureClientID+")")
	}
	if sp.clientSecret == "" {
		missing = append(missing, "client_secret ("+EnvAzureClientSecret+")")
	}
	if sp.tenantID == "" {
		missing = append(missing, "tenant_id ("+EnvAzureTenantID+")")
	}
	if len(missing) > 0 {
		return sp, fmt.Errorf("missing azure credentials: %s", strings.Join(missing, ", "))
	}
	return sp, nil
}
