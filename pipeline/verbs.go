package pipeline

import (
	"context"
	"net/http"
	"net/url"
)

// Verb helpers for the dashboard's CRUD plumbing. Each decodes a 2xx JSON
// body into out when out is non-nil.

func (p *Pipeline) Get(ctx context.Context, path string, query url.Values, out any) error {
	return p.do(ctx, Request{Method: http.MethodGet, Path: path, Query: query}, out)
}

func (p *Pipeline) Post(ctx context.Context, path string, body, out any) error {
	return p.do(ctx, Request{Method: http.MethodPost, Path: path, Body: body}, out)
}

func (p *Pipeline) Put(ctx context.Context, path string, body, out any) error {
	return p.do(ctx, Request{Method: http.MethodPut, Path: path, Body: body}, out)
}

func (p *Pipeline) Patch(ctx context.Context, path string, body, out any) error {
	return p.do(ctx, Request{Method: http.MethodPatch, Path: path, Body: body}, out)
}

func (p *Pipeline) Delete(ctx context.Context, path string) error {
	return p.do(ctx, Request{Method: http.MethodDelete, Path: path}, nil)
}

func (p *Pipeline) do(ctx context.Context, req Request, out any) error {
	resp, err := p.Execute(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}
