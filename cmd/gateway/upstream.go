package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"electrolab/pkg/circuitbreaker"
)

// unavailableError means the upstream could not answer: transport failure,
// 502, 503 or 504, or an open circuit.
type unavailableError struct {
	upstream string
	err      error
}

func (e *unavailableError) Error() string { return e.upstream + " unavailable: " + e.err.Error() }

func (e *unavailableError) Unwrap() error { return e.err }

// statusError is a well-formed error body from a reachable upstream; it is
// passed through to the caller unchanged.
type statusError struct {
	Status  int
	Kind    string `json:"error"`
	Message string `json:"message"`
}

func (e *statusError) Error() string { return fmt.Sprintf("%d %s: %s", e.Status, e.Kind, e.Message) }

// schemaError means the upstream answered with a body that does not match
// the expected response type.
type schemaError struct {
	upstream string
	err      error
}

func (e *schemaError) Error() string { return e.upstream + " response schema: " + e.err.Error() }

// schema is implemented by every upstream response type. validate rejects
// bodies that decoded but lack required fields.
type schema interface {
	validate() error
}

type upstream struct {
	name    string
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

func newUpstream(name, baseURL string, timeout time.Duration, breaker *circuitbreaker.CircuitBreaker) *upstream {
	return &upstream{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

// countsAgainstBreaker is true only for failures of the upstream itself.
func countsAgainstBreaker(err error) bool {
	var unavailable *unavailableError
	return errors.As(err, &unavailable)
}

// do sends one request and decodes a 2xx body into out. A nil out ignores
// the body.
func (u *upstream) do(ctx context.Context, method, path, actor string, body any, out schema) error {
	err := u.breaker.Execute(func() error {
		return u.send(ctx, method, path, actor, body, out)
	}, countsAgainstBreaker)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return &unavailableError{upstream: u.name, err: err}
	}
	return err
}

func (u *upstream) send(ctx context.Context, method, path, actor string, body any, out schema) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != "" {
		req.Header.Set("X-User-Name", actor)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return &unavailableError{upstream: u.name, err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &unavailableError{upstream: u.name, err: err}
	}

	switch {
	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return &unavailableError{upstream: u.name, err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		se := &statusError{Status: resp.StatusCode}
		if err := json.Unmarshal(raw, se); err != nil || se.Kind == "" {
			return &schemaError{upstream: u.name, err: fmt.Errorf("error body for status %d", resp.StatusCode)}
		}
		return se
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &schemaError{upstream: u.name, err: err}
	}
	if err := out.validate(); err != nil {
		return &schemaError{upstream: u.name, err: err}
	}
	return nil
}
