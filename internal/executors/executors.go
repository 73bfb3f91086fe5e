// Package executors provides the built-in Executor implementations:
// http (call a URL), shell (run a whitelisted command), and policy
// (delegate a decision to an external policy service). Each is grounded
// on the teacher's services/orchestrator/task_executor.go HTTP/Script/
// Policy executors, adapted from the teacher's Workflow-scoped template
// substitution to the registry.Executor contract (one executor per task
// instance, no shared WorkflowExecution context).
package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskcore/internal/model"
	"github.com/swarmguard/taskcore/internal/registry"
	"github.com/swarmguard/taskcore/internal/resilience"
)

// Services is the collaborator bag passed to every factory at startup,
// mirroring the teacher's NewMultiTaskExecutor(httpClient) wiring but
// generalized to the three executor kinds this module supports.
type Services struct {
	HTTPClient     *http.Client
	PolicyURL      string
	ShellWhitelist map[string]bool

	// Breaker guards outbound calls from the http executor; the policy
	// executor does not consult it. nil disables it.
	Breaker *resilience.CircuitBreaker
}

// DefaultBreaker mirrors the teacher's adaptive circuit breaker defaults:
// a 30s window split into 6 buckets, tripping at a 50% failure rate once
// at least 5 samples have been observed, probing again after 10s.
func DefaultBreaker() *resilience.CircuitBreaker {
	return resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 2)
}

// DefaultHTTPClient mirrors the teacher's pooled transport defaults.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// RegisterAll wires the http, shell, and policy task types into reg using
// svc's collaborators.
func RegisterAll(reg *registry.Registry, svc *Services) {
	reg.Register("http", httpFactory(svc), validateHTTPParams)
	reg.Register("shell", shellFactory(svc), validateShellParams(svc))
	reg.Register("policy", policyFactory(svc), validatePolicyParams)
}

func stringParam(params map[string]any, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ---- HTTP executor ----

type httpExecutor struct {
	client  *http.Client
	url     string
	method  string
	body    map[string]any
	headers map[string]string
	breaker *resilience.CircuitBreaker
	tracer  trace.Tracer
}

func httpFactory(svc *Services) registry.Factory {
	return func(taskID string, params map[string]any, _ any) (registry.Executor, error) {
		url, ok := stringParam(params, "url")
		if !ok || url == "" {
			return nil, fmt.Errorf("http executor: missing %q param", "url")
		}
		method, _ := stringParam(params, "method")
		if method == "" {
			method = http.MethodPost
		}
		body, _ := params["body"].(map[string]any)
		headers := map[string]string{}
		if raw, ok := params["headers"].(map[string]any); ok {
			for k, v := range raw {
				headers[k] = fmt.Sprintf("%v", v)
			}
		}
		client := svc.HTTPClient
		if client == nil {
			client = DefaultHTTPClient()
		}
		return &httpExecutor{client: client, url: url, method: method, body: body, headers: headers, breaker: svc.Breaker, tracer: otel.Tracer("taskcore-executors-http")}, nil
	}
}

func validateHTTPParams(def model.TaskDefinition) []error {
	var errs []error
	if url, ok := stringParam(def.ExecutorParams, "url"); !ok || url == "" {
		errs = append(errs, fmt.Errorf("http executor requires executor_params.url"))
	}
	return errs
}

func (h *httpExecutor) Run(rc registry.RunContext) (model.Result, error) {
	ctx, span := h.tracer.Start(rc.Context, "http.execute",
		trace.WithAttributes(attribute.String("url", h.url), attribute.String("method", h.method)))
	defer span.End()

	var bodyBytes []byte
	if h.body != nil {
		raw, err := json.Marshal(h.body)
		if err != nil {
			return model.Result{}, model.NewError(model.ErrExecutor, "http.marshal_body", err)
		}
		bodyBytes = raw
	}

	newRequest := func() (*http.Request, error) {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, h.method, h.url, bodyReader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Task-ID", rc.TaskID)
		req.Header.Set("X-Idempotency-Key", rc.RunID)
		for k, v := range h.headers {
			req.Header.Set(k, v)
		}
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
		return req, nil
	}

	if h.breaker != nil && !h.breaker.Allow() {
		return model.Result{OK: false, Error: "circuit open for downstream host", ErrorKind: model.ErrExecutor}, nil
	}

	rc.ReportProgress(0.1, "sending request")
	resp, err := resilience.Retry(ctx, 2, 200*time.Millisecond, func() (*http.Response, error) {
		req, err := newRequest()
		if err != nil {
			return nil, err
		}
		return h.client.Do(req)
	})
	if h.breaker != nil {
		h.breaker.RecordResult(err == nil)
	}
	if err != nil {
		return model.Result{}, model.NewError(model.ErrExecutor, "http.do", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return model.Result{}, model.NewError(model.ErrExecutor, "http.read_body", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 500 {
		return model.Result{OK: false, Error: fmt.Sprintf("http %d: %s", resp.StatusCode, respBody), ErrorKind: model.ErrExecutor}, nil
	}
	if resp.StatusCode >= 400 {
		return model.Result{OK: false, Error: fmt.Sprintf("http %d: %s", resp.StatusCode, respBody), ErrorKind: model.ErrValidation}, nil
	}

	var parsed map[string]any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			parsed = map[string]any{"body": string(respBody)}
		}
	}
	rc.ReportProgress(1.0, "done")
	return model.Result{OK: true, Output: parsed}, nil
}

func (h *httpExecutor) Cancel() {}

// ---- Shell executor ----

type shellExecutor struct {
	whitelist map[string]bool
	command   string
	args      []string
	tracer    trace.Tracer
}

func shellFactory(svc *Services) registry.Factory {
	return func(taskID string, params map[string]any, _ any) (registry.Executor, error) {
		command, ok := stringParam(params, "command")
		if !ok || command == "" {
			return nil, fmt.Errorf("shell executor: missing %q param", "command")
		}
		if !svc.ShellWhitelist[command] {
			return nil, model.NewError(model.ErrPermission, "shell.factory", fmt.Errorf("command %q is not whitelisted", command))
		}
		var args []string
		if raw, ok := params["args"].([]any); ok {
			for _, a := range raw {
				args = append(args, fmt.Sprintf("%v", a))
			}
		}
		return &shellExecutor{whitelist: svc.ShellWhitelist, command: command, args: args, tracer: otel.Tracer("taskcore-executors-shell")}, nil
	}
}

func validateShellParams(svc *Services) registry.Validator {
	return func(def model.TaskDefinition) []error {
		var errs []error
		command, ok := stringParam(def.ExecutorParams, "command")
		if !ok || command == "" {
			errs = append(errs, fmt.Errorf("shell executor requires executor_params.command"))
			return errs
		}
		if !svc.ShellWhitelist[command] {
			errs = append(errs, fmt.Errorf("shell executor command %q is not in the configured whitelist", command))
		}
		return errs
	}
}

func (s *shellExecutor) Run(rc registry.RunContext) (model.Result, error) {
	_, span := s.tracer.Start(rc.Context, "shell.execute",
		trace.WithAttributes(attribute.String("command", s.command)))
	defer span.End()

	if !s.whitelist[s.command] {
		return model.Result{}, model.NewError(model.ErrPermission, "shell.run", fmt.Errorf("command %q is not whitelisted", s.command))
	}

	cmd := exec.CommandContext(rc.Context, s.command, s.args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	rc.ReportProgress(0.1, "running "+s.command)
	err := cmd.Run()
	if err != nil {
		if rc.Context.Err() == context.DeadlineExceeded {
			return model.Result{OK: false, Error: "shell command timed out", ErrorKind: model.ErrTimeout}, nil
		}
		return model.Result{
			OK:        false,
			Error:     fmt.Sprintf("command failed: %v: %s", err, strings.TrimSpace(stderr.String())),
			ErrorKind: model.ErrExecutor,
		}, nil
	}

	rc.ReportProgress(1.0, "done")
	return model.Result{OK: true, Output: map[string]any{"stdout": stdout.String()}}, nil
}

func (s *shellExecutor) Cancel() {}

// ---- Policy executor ----

type policyExecutor struct {
	client   *http.Client
	url      string
	policy   string
	input    map[string]any
	tracer   trace.Tracer
}

func policyFactory(svc *Services) registry.Factory {
	return func(taskID string, params map[string]any, _ any) (registry.Executor, error) {
		policy, ok := stringParam(params, "policy")
		if !ok || policy == "" {
			return nil, fmt.Errorf("policy executor: missing %q param", "policy")
		}
		input, _ := params["input"].(map[string]any)
		url := svc.PolicyURL
		if v, ok := stringParam(params, "policy_url"); ok && v != "" {
			url = v
		}
		if url == "" {
			return nil, model.NewError(model.ErrConfig, "policy.factory", fmt.Errorf("no policy service url configured"))
		}
		client := svc.HTTPClient
		if client == nil {
			client = DefaultHTTPClient()
		}
		return &policyExecutor{client: client, url: url, policy: policy, input: input, tracer: otel.Tracer("taskcore-executors-policy")}, nil
	}
}

func validatePolicyParams(def model.TaskDefinition) []error {
	var errs []error
	if policy, ok := stringParam(def.ExecutorParams, "policy"); !ok || policy == "" {
		errs = append(errs, fmt.Errorf("policy executor requires executor_params.policy"))
	}
	return errs
}

func (p *policyExecutor) Run(rc registry.RunContext) (model.Result, error) {
	ctx, span := p.tracer.Start(rc.Context, "policy.execute", trace.WithAttributes(attribute.String("policy", p.policy)))
	defer span.End()

	reqBody, err := json.Marshal(map[string]any{"policy": p.policy, "input": p.input})
	if err != nil {
		return model.Result{}, model.NewError(model.ErrExecutor, "policy.marshal", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/v1/evaluate", bytes.NewReader(reqBody))
	if err != nil {
		return model.Result{}, model.NewError(model.ErrConfig, "policy.new_request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	rc.ReportProgress(0.2, "evaluating policy "+p.policy)
	resp, err := p.client.Do(req)
	if err != nil {
		return model.Result{}, model.NewError(model.ErrExecutor, "policy.do", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return model.Result{OK: false, Error: fmt.Sprintf("policy evaluation failed: %s", body), ErrorKind: model.ErrExecutor}, nil
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return model.Result{}, model.NewError(model.ErrExecutor, "policy.decode", err)
	}
	rc.ReportProgress(1.0, "done")
	return model.Result{OK: true, Output: result}, nil
}

func (p *policyExecutor) Cancel() {}
