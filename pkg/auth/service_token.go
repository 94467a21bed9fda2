package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loadline/gatekeeper/pkg/observability"
)

// SecretSource fetches the shared service-token signing secret by
// reference. Consumed once per process lifetime.
type SecretSource interface {
	Fetch(ctx context.Context) (string, error)
	Ref() string
}

// SecretsManagerSource reads the secret from AWS Secrets Manager by ARN
type SecretsManagerSource struct {
	client    *secretsmanager.Client
	secretARN string
	timeout   time.Duration
}

// SecretsManagerConfig holds connection settings for the secret source
type SecretsManagerConfig struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	SecretARN string
	Timeout   time.Duration
}

// NewSecretsManagerSource creates the Secrets Manager secret source
func NewSecretsManagerSource(ctx context.Context, cfg SecretsManagerConfig) (*SecretsManagerSource, error) {
	if cfg.SecretARN == "" {
		return nil, fmt.Errorf("secret ARN must not be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}

	var awsCfg aws.Config
	var err error

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey,
				cfg.SecretKey,
				"",
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &SecretsManagerSource{
		client:    client,
		secretARN: cfg.SecretARN,
		timeout:   cfg.Timeout,
	}, nil
}

// Fetch reads the secret value once, under a bounded timeout
func (s *SecretsManagerSource) Fetch(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.secretARN),
	})
	if err != nil {
		return "", err
	}
	if out.SecretString == nil || *out.SecretString == "" {
		return "", fmt.Errorf("secret %s has no string value", s.secretARN)
	}
	return *out.SecretString, nil
}

// Ref returns the secret's ARN for error reporting
func (s *SecretsManagerSource) Ref() string { return s.secretARN }

// AuthorityConfig holds service-token issue/verify settings
type AuthorityConfig struct {
	Issuer    string
	Audience  string
	TokenTTL  time.Duration
	ClockSkew time.Duration
}

// ServiceTokenAuthority issues and verifies short-lived HS256 tokens for
// service-to-service calls. The signing secret is fetched lazily on first
// use and then cached for the process lifetime; rotation requires a
// restart. There is no revocation list: security rests on the short
// expiry window.
type ServiceTokenAuthority struct {
	source SecretSource
	cfg    AuthorityConfig
	tracer trace.Tracer
	logger *observability.Logger

	mu     sync.Mutex
	secret string // empty until the first successful fetch
}

// NewServiceTokenAuthority creates the authority. The secret is NOT
// fetched here; first use triggers the fetch so that a briefly
// unavailable secret store does not fail process startup.
func NewServiceTokenAuthority(source SecretSource, cfg AuthorityConfig, logger *observability.Logger) *ServiceTokenAuthority {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 5 * time.Minute
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}
	return &ServiceTokenAuthority{
		source: source,
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
		logger: logger,
	}
}

// TokenTTL reports the expiry window applied to issued tokens
func (a *ServiceTokenAuthority) TokenTTL() time.Duration {
	return a.cfg.TokenTTL
}

// Issue builds a signed token identifying the calling service
func (a *ServiceTokenAuthority) Issue(ctx context.Context, callerService string) (string, error) {
	ctx, span := a.tracer.Start(ctx, "auth.IssueServiceToken")
	defer span.End()
	span.SetAttributes(attribute.String("auth.caller_service", callerService))

	if callerService == "" {
		return "", fmt.Errorf("caller service name must not be empty")
	}

	secret, err := a.getSecret(ctx)
	if err != nil {
		return "", err
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":          a.cfg.Issuer,
		"aud":          a.cfg.Audience,
		"sub":          callerService,
		"service_name": callerService,
		"iat":          now.Unix(),
		"exp":          now.Add(a.cfg.TokenTTL).Unix(),
	})

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing service token: %w", err)
	}
	return signed, nil
}

// Verify checks a service token and returns the Service principal
func (a *ServiceTokenAuthority) Verify(ctx context.Context, raw string) (Principal, error) {
	ctx, span := a.tracer.Start(ctx, "auth.VerifyServiceToken")
	defer span.End()

	if raw == "" {
		return nil, ErrMissingToken
	}
	if len(raw) > maxTokenSize {
		return nil, ErrMalformedToken
	}

	secret, err := a.getSecret(ctx)
	if err != nil {
		return nil, err
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithAudience(a.cfg.Audience),
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, classifyJWTError(err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrMalformedToken
	}

	name, _ := claims["service_name"].(string)
	if name == "" {
		name, _ = claims["sub"].(string)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: missing service name claim", ErrMalformedToken)
	}

	span.SetAttributes(attribute.String("auth.subject", name))
	return &Service{Name: name}, nil
}

// getSecret returns the cached secret, fetching it on first use. Fetch
// failure is surfaced as *SecretFetchError and NOT cached: the next call
// retries, per normal caller retry policy.
func (a *ServiceTokenAuthority) getSecret(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.secret != "" {
		return a.secret, nil
	}

	secret, err := a.source.Fetch(ctx)
	if err != nil {
		return "", &SecretFetchError{Ref: a.source.Ref(), Err: err}
	}
	if secret == "" {
		return "", &SecretFetchError{Ref: a.source.Ref(), Err: errors.New("empty secret value")}
	}

	a.secret = secret
	a.logger.WithField("secret_ref", a.source.Ref()).Info("Service token secret loaded")
	return a.secret, nil
}
