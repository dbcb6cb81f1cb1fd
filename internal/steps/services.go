package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rendis/flowgate/internal/actions"
	"github.com/rendis/flowgate/internal/graph"
	"github.com/rendis/flowgate/pkg/schema"
)

const defaultSummaryPrompt = "Summarize the following search results for the query %q."

func (d *Dispatcher) search(ctx context.Context, n *graph.SearchNode, view View) (Outcome, error) {
	if d.services.Searcher == nil {
		return Outcome{}, notConfigured("search")
	}
	scope := view.scope()

	query, err := d.interp.RenderText(n.Config.Query, scope)
	if err != nil {
		return Outcome{}, err
	}
	results, err := d.services.Searcher.Search(ctx, query, n.Config.Limit)
	if err != nil {
		return Outcome{}, err
	}
	if results == nil {
		results = []actions.SearchResult{}
	}

	out := map[string]any{
		"query":   query,
		"results": results,
		"count":   len(results),
	}

	if n.Config.UseLLM {
		if d.services.Text == nil {
			return Outcome{}, notConfigured("text generation")
		}
		prompt := fmt.Sprintf(defaultSummaryPrompt, query)
		if n.Config.Prompt != "" {
			if prompt, err = d.interp.RenderText(n.Config.Prompt, scope); err != nil {
				return Outcome{}, err
			}
		}
		data, err := json.Marshal(results)
		if err != nil {
			return Outcome{}, err
		}
		summary, err := d.services.Text.Generate(ctx, prompt+"\n\n"+string(data), n.Config.MaxTokens)
		if err != nil {
			return Outcome{}, err
		}
		out["summary"] = summary
	}
	return success(out), nil
}

func (d *Dispatcher) action(ctx context.Context, n *graph.ActionNode, view View) (Outcome, error) {
	var (
		out any
		err error
	)
	switch n.Config.Kind {
	case schema.ActionKindLLM:
		out, err = d.generate(ctx, n, view)
	default:
		out, err = d.invoke(ctx, n, view)
	}
	if err == nil {
		return success(out), nil
	}
	if !n.Config.ContinueOnError || schema.IsCode(err, schema.ErrCodeInterpolation) {
		return Outcome{}, err
	}

	detail := stepErr(n, err).Detail()
	output := map[string]any{"error": detail}
	if m, ok := out.(map[string]any); ok {
		for k, v := range m {
			output[k] = v
		}
	}
	return Outcome{Status: schema.StepError, Output: output, Error: detail}, nil
}

// invoke performs an http action. A non-2xx status is a transport error;
// the response is still returned so continueOnError steps can record it.
func (d *Dispatcher) invoke(ctx context.Context, n *graph.ActionNode, view View) (any, error) {
	if d.services.Network == nil {
		return nil, notConfigured("network action")
	}
	scope := view.scope()

	url, err := d.interp.RenderText(n.Config.URL, scope)
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(n.Config.Headers))
	for k, v := range n.Config.Headers {
		if headers[k], err = d.interp.RenderText(v, scope); err != nil {
			return nil, err
		}
	}
	body, err := d.interp.ResolveJSON(n.Config.Body, scope)
	if err != nil {
		return nil, err
	}

	// Secrets are substituted last so their values never pass through
	// placeholder rendering. Errors below report the url without them.
	target, err := d.secrets.ResolveString(ctx, url)
	if err != nil {
		return nil, err
	}
	var unresolve []string
	if target != url {
		unresolve = append(unresolve, target, url)
	}
	for k, v := range headers {
		if headers[k], err = d.secrets.ResolveString(ctx, v); err != nil {
			return nil, err
		}
		if headers[k] != v {
			unresolve = append(unresolve, headers[k], v)
		}
	}
	if body, err = d.secrets.ResolveValue(ctx, body); err != nil {
		return nil, err
	}

	resp, err := d.services.Network.Invoke(ctx, n.Config.Method, target, headers, body)
	if err != nil {
		if len(unresolve) > 0 {
			return nil, schema.NewErrorf(schema.ErrCodeTransport, "%s %s failed", n.Config.Method, url).
				WithCause(redact(err, strings.NewReplacer(unresolve...)))
		}
		return nil, err
	}
	out := map[string]any{
		"statusCode": resp.StatusCode,
		"body":       resp.Body,
	}
	if !resp.OK() {
		return out, schema.NewErrorf(schema.ErrCodeTransport, "%s %s returned status %d", n.Config.Method, url, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}
	return out, nil
}

func (d *Dispatcher) generate(ctx context.Context, n *graph.ActionNode, view View) (any, error) {
	if d.services.Text == nil {
		return nil, notConfigured("text generation")
	}
	prompt, err := d.interp.RenderText(n.Config.Prompt, view.scope())
	if err != nil {
		return nil, err
	}
	text, err := d.services.Text.Generate(ctx, prompt, n.Config.MaxTokens)
	if err != nil {
		return nil, err
	}
	return map[string]any{"text": text}, nil
}

func notConfigured(service string) error {
	return schema.NewErrorf(schema.ErrCodeTransport, "%s service is not configured", service)
}

// redact copies err with resolved secret values put back as their
// references. The copy keeps the error code but drops the original chain.
func redact(err error, r *strings.Replacer) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		msg := fe.Message
		if fe.Cause != nil {
			msg += ": " + fe.Cause.Error()
		}
		return schema.NewError(fe.Code, r.Replace(msg)).WithStep(fe.StepID)
	}
	return errors.New(r.Replace(err.Error()))
}
