package connector

import "fmt"

// Auth scheme identifiers.
const (
	// AuthAPIKey sends a static credential in a named header
	AuthAPIKey = "api_key"

	// AuthBasic sends HTTP Basic credentials
	AuthBasic = "basic"

	// AuthBearer sends a static bearer token
	AuthBearer = "bearer"

	// AuthOAuth2Client performs the OAuth2 client-credentials flow with
	// token caching and single-flight refresh
	AuthOAuth2Client = "oauth2_client"

	// AuthJWTBearer exchanges a signed JWT client assertion for an access
	// token (RFC 7523)
	AuthJWTBearer = "jwt_bearer"

	// AuthAWSSigV4 signs requests with AWS Signature Version 4
	AuthAWSSigV4 = "aws_sigv4"
)

// AuthConfig describes how a connector authenticates.
// Credential fields may reference environment variables with ${VAR_NAME};
// secrets must use that syntax so they never land in data files.
type AuthConfig struct {
	// Type is the auth scheme. Inferred as bearer when only Token is set.
	Type string `yaml:"type,omitempty" json:"type,omitempty"`

	// Token is the static bearer token (type: bearer)
	Token string `yaml:"token,omitempty" json:"token,omitempty"`

	// Username/Password for basic auth (type: basic)
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	// Header/Value for api_key auth (type: api_key)
	Header string `yaml:"header,omitempty" json:"header,omitempty"`
	Value  string `yaml:"value,omitempty" json:"value,omitempty"`

	// OAuth2 client-credentials fields (type: oauth2_client)
	ClientID     string   `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	ClientSecret string   `yaml:"client_secret,omitempty" json:"client_secret,omitempty"`
	TokenURL     string   `yaml:"token_url,omitempty" json:"token_url,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`

	// ExpirySkewSeconds refreshes tokens this long before expiry
	// (default 60).
	ExpirySkewSeconds int `yaml:"expiry_skew,omitempty" json:"expiry_skew,omitempty"`

	// JWT bearer fields (type: jwt_bearer)
	PrivateKey string `yaml:"private_key,omitempty" json:"private_key,omitempty"`
	Issuer     string `yaml:"issuer,omitempty" json:"issuer,omitempty"`
	Subject    string `yaml:"subject,omitempty" json:"subject,omitempty"`
	Audience   string `yaml:"audience,omitempty" json:"audience,omitempty"`

	// AWS holds SigV4 signing configuration (type: aws_sigv4)
	AWS *AWSConfig `yaml:"aws,omitempty" json:"aws,omitempty"`
}

// AWSConfig configures SigV4 request signing.
type AWSConfig struct {
	// Service is the AWS service name (e.g., "execute-api", "s3")
	Service string `yaml:"service" json:"service"`

	// Region is the AWS region (e.g., "us-east-1")
	Region string `yaml:"region" json:"region"`
}

// Validate checks the auth configuration is complete for its scheme.
func (a *AuthConfig) Validate() error {
	switch a.EffectiveType() {
	case AuthBearer:
		if a.Token == "" {
			return fmt.Errorf("token is required for bearer auth")
		}
	case AuthBasic:
		if a.Username == "" {
			return fmt.Errorf("username is required for basic auth")
		}
		if a.Password == "" {
			return fmt.Errorf("password is required for basic auth")
		}
	case AuthAPIKey:
		if a.Header == "" {
			return fmt.Errorf("header is required for api_key auth")
		}
		if a.Value == "" {
			return fmt.Errorf("value is required for api_key auth")
		}
	case AuthOAuth2Client:
		if a.ClientID == "" {
			return fmt.Errorf("client_id is required for oauth2_client auth")
		}
		if a.ClientSecret == "" {
			return fmt.Errorf("client_secret is required for oauth2_client auth")
		}
		if !hasEnvVarSyntax(a.ClientSecret) {
			return fmt.Errorf("client_secret must use ${VAR_NAME} syntax")
		}
		if a.TokenURL == "" {
			return fmt.Errorf("token_url is required for oauth2_client auth")
		}
	case AuthJWTBearer:
		if a.PrivateKey == "" {
			return fmt.Errorf("private_key is required for jwt_bearer auth")
		}
		if !hasEnvVarSyntax(a.PrivateKey) {
			return fmt.Errorf("private_key must use ${VAR_NAME} syntax")
		}
		if a.Issuer == "" {
			return fmt.Errorf("issuer is required for jwt_bearer auth")
		}
		if a.TokenURL == "" {
			return fmt.Errorf("token_url is required for jwt_bearer auth")
		}
	case AuthAWSSigV4:
		if a.AWS == nil {
			return fmt.Errorf("aws configuration is required for aws_sigv4 auth")
		}
		if a.AWS.Service == "" {
			return fmt.Errorf("aws.service is required for aws_sigv4 auth")
		}
		if a.AWS.Region == "" {
			return fmt.Errorf("aws.region is required for aws_sigv4 auth")
		}
	default:
		return fmt.Errorf("invalid auth type: %s", a.Type)
	}
	if a.ExpirySkewSeconds < 0 {
		return fmt.Errorf("expiry_skew must be non-negative")
	}
	return nil
}

// EffectiveType returns the declared scheme, inferring bearer when only a
// token is present.
func (a *AuthConfig) EffectiveType() string {
	if a.Type == "" && a.Token != "" {
		return AuthBearer
	}
	return a.Type
}
