package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/apifuse/apifuse/pkg/connector"
)

// sigv4Signer signs outgoing requests with AWS Signature Version 4.
// Credentials come from the default provider chain and are cached with
// a one hour ceiling.
type sigv4Signer struct {
	cfg    *connector.AWSConfig
	signer *v4.Signer

	mu         sync.Mutex
	awsConfig  aws.Config
	loaded     bool
	creds      aws.Credentials
	credExpiry time.Time
}

func newSigV4Signer(cfg *connector.AWSConfig) *sigv4Signer {
	return &sigv4Signer{
		cfg:    cfg,
		signer: v4.NewSigner(),
	}
}

// verify resolves credentials and calls STS GetCallerIdentity so bad
// credentials fail loudly at startup instead of on the first request.
func (s *sigv4Signer) verify(ctx context.Context) error {
	if _, err := s.credentials(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	awsCfg := s.awsConfig
	s.mu.Unlock()

	verifyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := sts.NewFromConfig(awsCfg)
	if _, err := client.GetCallerIdentity(verifyCtx, &sts.GetCallerIdentityInput{}); err != nil {
		return fmt.Errorf("aws credential verification failed: %s", redactAccessKeys(err.Error()))
	}
	return nil
}

// sign adds the SigV4 authorization headers to req. The body must be
// final; bodyBytes is hashed for the X-Amz-Content-Sha256 header.
func (s *sigv4Signer) sign(ctx context.Context, req *http.Request, bodyBytes []byte) error {
	creds, err := s.credentials(ctx)
	if err != nil {
		return err
	}

	hash := sha256.Sum256(bodyBytes)
	payloadHash := hex.EncodeToString(hash[:])
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	if err := s.signer.SignHTTP(ctx, creds, req, payloadHash, s.cfg.Service, s.cfg.Region, time.Now()); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	return nil
}

// credentials loads the provider chain once and caches the resolved
// credentials until their expiry, capped at one hour.
func (s *sigv4Signer) credentials(ctx context.Context) (aws.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(s.cfg.Region))
		if err != nil {
			return aws.Credentials{}, fmt.Errorf("load aws configuration: %w", err)
		}
		s.awsConfig = awsCfg
		s.loaded = true
	}

	if !s.credExpiry.IsZero() && time.Now().Before(s.credExpiry) {
		return s.creds, nil
	}

	creds, err := s.awsConfig.Credentials.Retrieve(ctx)
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("resolve aws credentials: %s", redactAccessKeys(err.Error()))
	}

	expiry := creds.Expires
	if expiry.IsZero() || time.Until(expiry) > time.Hour {
		expiry = time.Now().Add(time.Hour)
	}
	s.creds = creds
	s.credExpiry = expiry
	return creds, nil
}

// redactAccessKeys masks AWS access key IDs (AKIA + 16 chars) in error
// text before it reaches logs.
func redactAccessKeys(msg string) string {
	pos := 0
	for {
		idx := strings.Index(msg[pos:], "AKIA")
		if idx == -1 {
			break
		}
		idx += pos
		end := idx + 20
		if end > len(msg) {
			end = len(msg)
		}
		msg = msg[:idx] + "AKIA****" + msg[end:]
		pos = idx + len("AKIA****")
	}
	return msg
}
