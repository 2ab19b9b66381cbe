package stepkit

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/flowforge/engine/flow"
)

var httpValidate = validator.New()

// HTTPRequest is a step body's HTTP call, validated before it fires.
type HTTPRequest struct {
	Method  string            `validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	URL     string            `validate:"required,url"`
	Headers map[string]string `validate:"omitempty"`
	Body    string            `validate:"omitempty"`
}

// HTTPStepConfig configures one HTTPStep instance: which data key holds the
// HTTPRequest and which keys the response is written back to.
type HTTPStepConfig struct {
	Client         *http.Client
	RequestKey     string
	StatusKey      string
	BodyKey        string
	ResponseHeaderKey string
}

// HTTPStep builds a flow.StepBody that reads an HTTPRequest from the flow's
// data map, validates it with go-playground/validator, and fires it. A
// validation failure is an ordinary Failure, so it follows the step's
// Critical/AllowFailure policy rather than crashing the Executor.
func HTTPStep(cfg HTTPStepConfig) flow.StepBody {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}

	return func(ec *flow.ExecutionContext) flow.Result {
		req, err := flow.GetData[HTTPRequest](ec, cfg.RequestKey)
		if err != nil {
			return flow.Failure(fmt.Sprintf("stepkit: reading request key %q", cfg.RequestKey), err)
		}
		if err := httpValidate.Struct(req); err != nil {
			return flow.Failure("stepkit: invalid http request", err)
		}

		method := strings.ToUpper(req.Method)
		if method == "" {
			method = http.MethodGet
		}

		var body io.Reader
		if req.Body != "" {
			body = bytes.NewBufferString(req.Body)
		}

		httpReq, err := http.NewRequestWithContext(ec.Context(), method, req.URL, body)
		if err != nil {
			return flow.Failure("stepkit: building http request", err)
		}
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			return flow.Failure("stepkit: http request failed", err)
		}
		defer func() { _ = resp.Body.Close() }()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return flow.Failure("stepkit: reading http response", err)
		}

		data := map[string]any{}
		if cfg.StatusKey != "" {
			data[cfg.StatusKey] = resp.StatusCode
		}
		if cfg.BodyKey != "" {
			data[cfg.BodyKey] = string(respBody)
		}
		if cfg.ResponseHeaderKey != "" {
			headers := make(map[string]string, len(resp.Header))
			for k, v := range resp.Header {
				if len(v) > 0 {
					headers[k] = v[0]
				}
			}
			data[cfg.ResponseHeaderKey] = headers
		}

		return flow.Success(fmt.Sprintf("http %s %s -> %d", method, req.URL, resp.StatusCode), data)
	}
}
