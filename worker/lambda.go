package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/jonwraymond/taskops/resilience"
)

// LambdaClient is the subset of *lambda.Client used by LambdaInvoker.
type LambdaClient interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
	GetFunction(ctx context.Context, params *lambda.GetFunctionInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error)
}

// LambdaConfig configures a LambdaInvoker.
type LambdaConfig struct {
	// Region overrides the region from the default AWS config chain.
	Region string

	// Endpoint overrides the service endpoint, e.g. a local emulator.
	Endpoint string

	// Qualifier selects a version or alias for every call.
	Qualifier string

	// Client replaces the SDK client. Default: built from the AWS config chain
	Client LambdaClient

	// Breaker guards invocations. Function errors do not trip it.
	Breaker *resilience.CircuitBreaker
}

// LambdaInvoker invokes task functions synchronously on AWS Lambda.
type LambdaInvoker struct {
	cfg    LambdaConfig
	client LambdaClient
}

var _ Invoker = (*LambdaInvoker)(nil)

// NewLambdaInvoker builds an invoker, loading AWS configuration when no
// client is supplied.
func NewLambdaInvoker(ctx context.Context, cfg LambdaConfig) (*LambdaInvoker, error) {
	client := cfg.Client
	if client == nil {
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("worker: load aws config: %w", err)
		}
		endpoint := cfg.Endpoint
		client = lambda.NewFromConfig(awsCfg, func(o *lambda.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
	}
	return &LambdaInvoker{cfg: cfg, client: client}, nil
}

type lambdaErrorPayload struct {
	ErrorMessage string `json:"errorMessage"`
	ErrorType    string `json:"errorType"`
}

// Invoke runs function with payload and returns its response payload. An
// unhandled function error is returned as *RemoteError.
func (l *LambdaInvoker) Invoke(ctx context.Context, function string, payload []byte) ([]byte, error) {
	in := &lambda.InvokeInput{
		FunctionName:   aws.String(function),
		InvocationType: types.InvocationTypeRequestResponse,
		Payload:        payload,
	}
	if l.cfg.Qualifier != "" {
		in.Qualifier = aws.String(l.cfg.Qualifier)
	}

	var out *lambda.InvokeOutput
	err := l.guard(ctx, func(ctx context.Context) error {
		var err error
		out, err = l.client.Invoke(ctx, in)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("worker: invoke %s: %w", function, err)
	}

	if out.FunctionError != nil {
		msg := aws.ToString(out.FunctionError)
		var p lambdaErrorPayload
		if json.Unmarshal(out.Payload, &p) == nil && p.ErrorMessage != "" {
			msg = p.ErrorMessage
			if p.ErrorType != "" {
				msg = p.ErrorType + ": " + msg
			}
		}
		return nil, &RemoteError{Function: function, Message: msg}
	}
	return out.Payload, nil
}

// Exists reports whether function is deployed.
func (l *LambdaInvoker) Exists(ctx context.Context, function string) (bool, error) {
	in := &lambda.GetFunctionInput{FunctionName: aws.String(function)}
	if l.cfg.Qualifier != "" {
		in.Qualifier = aws.String(l.cfg.Qualifier)
	}
	found := true
	err := l.guard(ctx, func(ctx context.Context) error {
		_, err := l.client.GetFunction(ctx, in)
		var nf *types.ResourceNotFoundException
		if errors.As(err, &nf) {
			found = false
			return nil
		}
		return err
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

func (l *LambdaInvoker) guard(ctx context.Context, op func(context.Context) error) error {
	if l.cfg.Breaker == nil {
		return op(ctx)
	}
	return l.cfg.Breaker.Execute(ctx, op)
}
