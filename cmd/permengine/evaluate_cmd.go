package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Mindburn-Labs/permengine/pkg/audit"
	"github.com/Mindburn-Labs/permengine/pkg/contracts"
	"github.com/Mindburn-Labs/permengine/pkg/decision"
	"github.com/Mindburn-Labs/permengine/pkg/pep"
	"github.com/Mindburn-Labs/permengine/pkg/policystore"
	"github.com/Mindburn-Labs/permengine/pkg/risk"
)

// evaluateInput accepts the API body ({"request": ..., "payload": ...}) or
// a bare access request.
type evaluateInput struct {
	Request *contracts.AccessRequest `json:"request"`
	Payload map[string]any           `json:"payload,omitempty"`
}

type evaluateOutput struct {
	Decision *contracts.Decision      `json:"decision"`
	Event    *contracts.SecurityEvent `json:"event"`
}

// runEvaluateCmd implements `permengine evaluate`.
//
// Decides one request against a bundle file with no history, usage counts
// or audit sinks. The decision and its security event are printed as JSON.
//
// Exit codes:
//
//	0 = granted or flagged
//	1 = denied
//	2 = usage or runtime error
func runEvaluateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("evaluate", stderr)
	var (
		bundlePath  string
		requestPath string
		modelPath   string
	)
	cmd.StringVar(&bundlePath, "bundle", "", "Path to the policy bundle YAML (REQUIRED)")
	cmd.StringVar(&requestPath, "request", "-", "Path to the request JSON, - for stdin")
	cmd.StringVar(&modelPath, "model", "", "Path to a risk model YAML (default model when empty)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if bundlePath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --bundle is required")
		return 2
	}

	in, err := readEvaluateInput(requestPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	bundle, err := policystore.LoadBundleFile(bundlePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	model := risk.DefaultModel()
	if modelPath != "" {
		if model, err = risk.LoadModelFile(modelPath); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	logger := newLogger(stderr, slog.LevelWarn)
	policies := policystore.NewStore(policystore.WithLogger(logger))
	if _, err := policies.Publish(bundle); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	engine := decision.NewEngine(risk.NewScorer(model), decision.WithLogger(logger))
	enforcer := pep.NewEnforcer(policies, engine, audit.NewEmitter(model, logger), logger)

	res := enforcer.Enforce(context.Background(), *in.Request, in.Payload)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(evaluateOutput{Decision: res.Decision, Event: res.Event}); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if res.Decision.Outcome == contracts.OutcomeDenied {
		return 1
	}
	return 0
}

func readEvaluateInput(path string) (*evaluateInput, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path) //nolint:gosec // operator-supplied path
	}
	if err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}

	var in evaluateInput
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if in.Request == nil {
		var req contracts.AccessRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		in.Request = &req
	}
	if in.Request.Principal.UserID == "" || in.Request.Resource.PanelID == "" {
		return nil, errors.New("request needs principal.user_id and resource.panel_id")
	}
	return &in, nil
}
