package kcl

import (
	"log/slog"

	"github.com/aws/aws-sdk-go/aws/arn"
)

const (
	DefaultCredentialsProvider = "DefaultAWSCredentialsProviderChain"
	// STSCredentialsProvider assumes AWS_ASSUME_ROLE_ARN and refreshes the
	// temporary session token on its own.
	STSCredentialsProvider = "com.atlassian.DefaultSTSAssumeRoleSessionCredentialsProvider"

	EnvAssumeRoleARN     = "AWS_ASSUME_ROLE_ARN"
	EnvAssumeRoleSession = "AWS_ASSUME_ROLE_SESSION_NAME"
)

// CredentialVars are passed through to the daemon when role assumption is
// active.
var CredentialVars = []string{
	EnvAssumeRoleARN,
	EnvAssumeRoleSession,
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
}

type credentials struct {
	provider string
	// env holds host variables copied into the daemon environment.
	env map[string]string
}

// resolveCredentials picks the credentials provider. Role assumption is
// active when both role variables are present, in the host environment or
// in overrides. Overrides always win over copied host values.
func resolveCredentials(lookup func(string) (string, bool), overrides map[string]string, logger *slog.Logger) credentials {
	has := func(k string) bool {
		if _, ok := overrides[k]; ok {
			return true
		}
		_, ok := lookup(k)
		return ok
	}
	if !has(EnvAssumeRoleARN) || !has(EnvAssumeRoleSession) {
		return credentials{provider: DefaultCredentialsProvider}
	}

	c := credentials{provider: STSCredentialsProvider, env: map[string]string{}}
	for _, k := range CredentialVars {
		if _, ok := overrides[k]; ok {
			continue
		}
		if v, ok := lookup(k); ok {
			c.env[k] = v
		}
	}

	role, ok := overrides[EnvAssumeRoleARN]
	if !ok {
		role, _ = lookup(EnvAssumeRoleARN)
	}
	if !arn.IsARN(role) {
		logger.Warn("assume-role ARN does not look valid", "arn", role)
	} else if parsed, err := arn.Parse(role); err != nil || parsed.Service != "iam" {
		logger.Warn("assume-role ARN is not an IAM role", "arn", role, "err", err)
	}
	return c
}
