package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Mindburn-Labs/permengine/pkg/auth"
	"github.com/Mindburn-Labs/permengine/pkg/contracts"
)

const jwtSecretEnv = "PERMENGINE_JWT_SECRET"

// runTokenCmd implements `permengine token`: it signs a bearer token for
// the approval endpoints with the server's JWT secret.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("token", stderr)
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd.StringVar(&subject, "sub", "", "Caller id placed in the subject claim (REQUIRED)")
	cmd.StringVar(&role, "role", "", "Approver role: manager, hr, security, compliance or executive")
	cmd.DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if subject == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --sub is required")
		return 2
	}
	if ttl <= 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --ttl must be positive")
		return 2
	}

	var approver contracts.ApproverRole
	if role != "" {
		if err := approver.UnmarshalText([]byte(role)); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}
	validator, err := auth.NewJWTValidator(os.Getenv(jwtSecretEnv))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v (set %s)\n", err, jwtSecretEnv)
		return 2
	}
	token, err := validator.Issue(subject, approver, ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
