package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jonwraymond/taskops/observe"
	"github.com/jonwraymond/taskops/resilience"
	"github.com/jonwraymond/taskops/task"
)

const maxResponseBytes = 10 << 20

// HTTPConfig configures an HTTPInvoker.
type HTTPConfig struct {
	// BaseURL is the function host; functions live at BaseURL/<function>.
	// Required.
	BaseURL string

	// SigningKey signs HS256 bearer tokens. Empty sends no Authorization header.
	SigningKey []byte

	// Issuer is the token "iss" claim.
	// Default: "taskops"
	Issuer string

	// TokenTTL bounds token lifetime.
	// Default: 5m
	TokenTTL time.Duration

	// Client performs requests.
	// Default: http.Client with a 30s timeout
	Client *http.Client

	// Limiter paces outbound calls and backs off on 429 responses.
	Limiter *resilience.RateLimiter

	// Breaker guards calls.
	Breaker *resilience.CircuitBreaker
}

// HTTPInvoker invokes task functions over HTTP: POST runs a function and HEAD
// checks that it exists. Non-2xx statuses are classified with
// resilience.ClassifyHTTPStatus so throttling feeds the limiter.
type HTTPInvoker struct {
	cfg  HTTPConfig
	base *url.URL
	exec *resilience.Executor
}

var _ Invoker = (*HTTPInvoker)(nil)

// NewHTTPInvoker validates cfg and builds an invoker.
func NewHTTPInvoker(cfg HTTPConfig) (*HTTPInvoker, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("worker: http invoker base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("worker: parse base url: %w", err)
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "taskops"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 5 * time.Minute
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPInvoker{
		cfg:  cfg,
		base: base,
		exec: resilience.NewExecutor(
			resilience.WithCircuitBreaker(cfg.Breaker),
			resilience.WithRateLimiter(cfg.Limiter),
		),
	}, nil
}

// Invoke POSTs payload to the function and returns the response body.
func (h *HTTPInvoker) Invoke(ctx context.Context, function string, payload []byte) ([]byte, error) {
	return resilience.Do(ctx, h.exec, func(ctx context.Context) ([]byte, error) {
		req, err := h.request(ctx, http.MethodPost, function, payload)
		if err != nil {
			return nil, err
		}
		resp, err := h.cfg.Client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("worker: invoke %s: %w", function, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("worker: read response of %s: %w", function, err)
		}
		if err := resilience.ClassifyHTTPStatus(resp.StatusCode, resp.Header.Get("Retry-After")); err != nil {
			return nil, fmt.Errorf("worker: invoke %s: %w", function, err)
		}
		return body, nil
	})
}

// Exists sends HEAD for the function; 404 means not deployed.
func (h *HTTPInvoker) Exists(ctx context.Context, function string) (bool, error) {
	return resilience.Do(ctx, h.exec, func(ctx context.Context) (bool, error) {
		req, err := h.request(ctx, http.MethodHead, function, nil)
		if err != nil {
			return false, err
		}
		resp, err := h.cfg.Client.Do(req)
		if err != nil {
			return false, fmt.Errorf("worker: check %s: %w", function, err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return false, nil
		}
		if err := resilience.ClassifyHTTPStatus(resp.StatusCode, resp.Header.Get("Retry-After")); err != nil {
			return false, fmt.Errorf("worker: check %s: %w", function, err)
		}
		return true, nil
	})
}

func (h *HTTPInvoker) request(ctx context.Context, method, function string, body []byte) (*http.Request, error) {
	u := h.base.JoinPath(function)
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, fmt.Errorf("worker: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if len(h.cfg.SigningKey) > 0 {
		token, err := h.token(function)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (h *HTTPInvoker) token(function string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    h.cfg.Issuer,
		Subject:   function,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(h.cfg.TokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.cfg.SigningKey)
	if err != nil {
		return "", fmt.Errorf("worker: sign token: %w", err)
	}
	return signed, nil
}

// FunctionServerConfig configures a FunctionServer.
type FunctionServerConfig struct {
	// SigningKey verifies HS256 bearer tokens. Empty disables authentication.
	SigningKey []byte

	// Issuer is the required "iss" claim.
	// Default: "taskops"
	Issuer string

	// MaxBodyBytes bounds request bodies.
	// Default: 10 MiB
	MaxBodyBytes int64

	// Logger receives request diagnostics.
	// Default: observe.NopLogger()
	Logger observe.Logger
}

// FunctionServer hosts task handlers as HTTP functions, the counterpart of
// HTTPInvoker. POST /<function> runs the handler on the wire-encoded message
// and answers with a FunctionResponse; HEAD /<function> reports existence.
type FunctionServer struct {
	cfg      FunctionServerConfig
	handlers *handlerSet
	logger   observe.Logger
}

// NewFunctionServer creates an empty function host.
func NewFunctionServer(cfg FunctionServerConfig) *FunctionServer {
	if cfg.Issuer == "" {
		cfg.Issuer = "taskops"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = maxResponseBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}
	return &FunctionServer{cfg: cfg, handlers: newHandlerSet(), logger: cfg.Logger}
}

// Register exposes h as function.
func (s *FunctionServer) Register(function string, h task.Handler) error {
	_, err := s.handlers.register(function, h)
	return err
}

// Functions returns the hosted function names.
func (s *FunctionServer) Functions() []string { return s.handlers.names() }

// ServeHTTP implements http.Handler.
func (s *FunctionServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	function := strings.TrimPrefix(r.URL.Path, "/")
	if r.Method != http.MethodPost && r.Method != http.MethodHead {
		w.Header().Set("Allow", "POST, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.authenticate(r, function); err != nil {
		s.logger.Warn(r.Context(), "function call rejected",
			observe.F("function", function), observe.Err(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	h, ok := s.handlers.lookup(function)
	if !ok {
		http.Error(w, "function not found", http.StatusNotFound)
		return
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	msg, err := task.Decode(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if msg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, msg.Timeout)
		defer cancel()
	}
	var resp FunctionResponse
	value, err := call(ctx, h, msg)
	if err != nil {
		resp.Error = err.Error()
		resp.Traceback = traceback(err)
	} else {
		resp.Result = value
	}

	body, err := json.Marshal(resp)
	if err != nil {
		body, _ = json.Marshal(FunctionResponse{
			Error: fmt.Sprintf("result is not JSON-serializable: %v", err),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (s *FunctionServer) authenticate(r *http.Request, function string) error {
	if len(s.cfg.SigningKey) == 0 {
		return nil
	}
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return errors.New("missing bearer token")
	}
	_, err := jwt.Parse(strings.TrimSpace(raw),
		func(*jwt.Token) (any, error) { return s.cfg.SigningKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithSubject(function),
		jwt.WithExpirationRequired(),
	)
	return err
}
