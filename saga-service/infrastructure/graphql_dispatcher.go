package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fedgraph/saga-system/saga-service/domain"
	"github.com/pkg/errors"
)

// GraphQLDispatcher executes saga operations as GraphQL mutations against
// federated subgraphs over HTTP. Each subgraph is addressed by name through
// a configured endpoint map.
//
// Transport faults and 5xx responses are retryable; a mutation the subgraph
// itself rejects is not.
type GraphQLDispatcher struct {
	endpoints map[string]string
	client    *http.Client
}

// NewGraphQLDispatcher creates a dispatcher for the given subgraph endpoints
func NewGraphQLDispatcher(endpoints map[string]string, timeout time.Duration) *GraphQLDispatcher {
	return &GraphQLDispatcher{
		endpoints: endpoints,
		client:    &http.Client{Timeout: timeout},
	}
}

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

// ExecuteForward runs the step's forward mutation. Prior step results are
// exposed to the mutation under the priorResults variable.
func (d *GraphQLDispatcher) ExecuteForward(ctx context.Context, step domain.SagaStep, priorResults []json.RawMessage) (json.RawMessage, error) {
	variables := map[string]interface{}{}
	if len(step.Forward.Variables) > 0 {
		variables["input"] = step.Forward.Variables
	}
	if len(priorResults) > 0 {
		variables["priorResults"] = priorResults
	}

	return d.execute(ctx, step.Forward, variables)
}

// ExecuteCompensation runs the step's compensating mutation, passing the
// snapshot captured when the forward operation completed.
func (d *GraphQLDispatcher) ExecuteCompensation(ctx context.Context, step domain.SagaStep, captured json.RawMessage) error {
	variables := map[string]interface{}{}
	if len(step.Compensation.Variables) > 0 {
		variables["input"] = step.Compensation.Variables
	}
	if len(captured) > 0 {
		variables["captured"] = captured
	}

	_, err := d.execute(ctx, step.Compensation, variables)
	return err
}

func (d *GraphQLDispatcher) execute(ctx context.Context, op domain.OperationDescriptor, variables map[string]interface{}) (json.RawMessage, error) {
	endpoint, exists := d.endpoints[op.Subgraph]
	if !exists {
		return nil, domain.NewOperationError("unknown_subgraph",
			fmt.Sprintf("no endpoint configured for subgraph %q", op.Subgraph))
	}

	body, err := json.Marshal(graphqlRequest{
		Query:     buildMutation(op, variables),
		Variables: variables,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode graphql request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build graphql request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, domain.NewRetryableOperationError("subgraph_unreachable",
			fmt.Sprintf("subgraph %q: %v", op.Subgraph, err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewRetryableOperationError("subgraph_response",
			fmt.Sprintf("subgraph %q: %v", op.Subgraph, err))
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, domain.NewRetryableOperationError("subgraph_unavailable",
			fmt.Sprintf("subgraph %q returned %d", op.Subgraph, resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewOperationError("subgraph_rejected",
			fmt.Sprintf("subgraph %q returned %d", op.Subgraph, resp.StatusCode))
	}

	var result graphqlResponse
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, domain.NewRetryableOperationError("subgraph_response",
			fmt.Sprintf("subgraph %q sent invalid response: %v", op.Subgraph, err))
	}
	if len(result.Errors) > 0 {
		return nil, domain.NewOperationError("mutation_rejected", result.Errors[0].Message)
	}

	return result.Data, nil
}

// buildMutation renders the descriptor as a federation-style mutation, e.g.
// a create of typename User becomes createUser(input: $input). Only the
// variables the request actually carries are declared; strict servers reject
// operations that declare variables the caller never sends.
func buildMutation(op domain.OperationDescriptor, variables map[string]interface{}) string {
	verb := string(op.Mutation)
	field := verb + op.Typename

	var decls, args []string
	if _, ok := variables["input"]; ok {
		inputType := strings.ToUpper(verb[:1]) + verb[1:] + op.Typename + "Input"
		decls = append(decls, "$input: "+inputType+"!")
		args = append(args, "input: $input")
	}
	if _, ok := variables["priorResults"]; ok {
		decls = append(decls, "$priorResults: [JSON!]")
		args = append(args, "priorResults: $priorResults")
	}
	if _, ok := variables["captured"]; ok {
		decls = append(decls, "$captured: JSON")
		args = append(args, "captured: $captured")
	}

	if len(decls) == 0 {
		return fmt.Sprintf("mutation { %s }", field)
	}
	return fmt.Sprintf("mutation (%s) { %s(%s) }",
		strings.Join(decls, ", "), field, strings.Join(args, ", "))
}
