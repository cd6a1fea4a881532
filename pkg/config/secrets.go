package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
)

// SecretProvider resolves secret references to values.
type SecretProvider interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// ParameterGetter is the part of the SSM client used to read parameters.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Secrets resolves references of the form env:NAME and ssm:/parameter/name.
// Anything else is returned unchanged as a literal value.
type Secrets struct {
	// SSM is created from the default AWS config on first use when nil.
	SSM ParameterGetter
}

func (s *Secrets) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "env:"):
		key := strings.TrimPrefix(ref, "env:")
		val, ok := os.LookupEnv(key)
		if !ok || val == "" {
			return "", fmt.Errorf("%w: secret environment variable not found: %s", domain.ErrInvalidArgument, key)
		}
		return val, nil

	case strings.HasPrefix(ref, "ssm:"):
		name := strings.TrimPrefix(ref, "ssm:")
		if s.SSM == nil {
			cfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return "", fmt.Errorf("failed to load aws config: %w", err)
			}
			s.SSM = ssm.NewFromConfig(cfg)
		}
		out, err := s.SSM.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(name),
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return "", fmt.Errorf("resolve ssm parameter %s: %w", name, err)
		}
		if out.Parameter == nil || out.Parameter.Value == nil {
			return "", fmt.Errorf("%w: ssm parameter %s has no value", domain.ErrInvalidArgument, name)
		}
		return aws.ToString(out.Parameter.Value), nil
	}
	return ref, nil
}
