package app

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/defi-keeper/internal/delegation"
	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
	"github.com/ggonzalez94/defi-keeper/internal/execution"
	"github.com/spf13/cobra"
)

type operationFlags struct {
	account        string
	operation      string
	fields         []string
	requestFile    string
	delegationFile string
}

func (f *operationFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.account, "account", "", "Account id")
	cmd.Flags().StringVar(&f.operation, "operation", "", "Operation kind (see `schema op`)")
	cmd.Flags().StringArrayVar(&f.fields, "field", nil, "Operation field as key=value (repeatable)")
	cmd.Flags().StringVar(&f.requestFile, "request-file", "", "Operation request JSON file (- for stdin)")
	cmd.Flags().StringVar(&f.delegationFile, "delegation-file", "", "Delegation JSON file; defaults to the stored record")
}

// request merges the request file with flags; flags win.
func (f *operationFlags) request(stdin io.Reader) (execution.OperationRequest, error) {
	var req execution.OperationRequest
	if f.requestFile != "" {
		buf, err := readInput(f.requestFile, stdin)
		if err != nil {
			return req, err
		}
		if err := json.Unmarshal(buf, &req); err != nil {
			return req, clierr.Wrap(clierr.CodeUsage, "decode operation request", err)
		}
	}
	if req.Fields == nil {
		req.Fields = map[string]string{}
	}
	if f.account != "" {
		req.AccountID = f.account
	}
	if f.operation != "" {
		req.Operation = f.operation
	}
	for _, raw := range f.fields {
		key, value, ok := strings.Cut(raw, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return req, clierr.New(clierr.CodeUsage, fmt.Sprintf("--field %q must be key=value", raw))
		}
		req.Fields[strings.TrimSpace(key)] = value
	}
	if f.delegationFile != "" {
		d, err := loadDelegation(f.delegationFile, stdin)
		if err != nil {
			return req, err
		}
		req.Delegation = &d
	}
	if strings.TrimSpace(req.AccountID) == "" {
		return req, clierr.New(clierr.CodeUsage, "--account is required")
	}
	if strings.TrimSpace(req.Operation) == "" {
		return req, clierr.New(clierr.CodeUsage, "--operation is required")
	}
	return req, nil
}

func (s *runtimeState) newOpCommand() *cobra.Command {
	root := &cobra.Command{Use: "op", Short: "Plan, execute and track delegated operations"}

	var planFlags operationFlags
	plan := &cobra.Command{
		Use:   "plan",
		Short: "Encode an operation and resolve allowances without submitting",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := planFlags.request(cmd.InOrStdin())
			if err != nil {
				return err
			}
			ctx, cancel := s.commandContext()
			defer cancel()
			engine, err := s.services.Engine(ctx, false)
			if err != nil {
				return err
			}
			p, err := engine.Plan(ctx, req)
			if err != nil {
				return err
			}
			return s.emitSuccess(cmd, p)
		},
	}
	planFlags.register(plan)

	var execFlags operationFlags
	execute := &cobra.Command{
		Use:   "execute",
		Short: "Execute an operation through the delegation and wait for settlement",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := execFlags.request(cmd.InOrStdin())
			if err != nil {
				return err
			}
			ctx, cancel := s.commandContext()
			defer cancel()
			engine, err := s.services.Engine(ctx, true)
			if err != nil {
				return err
			}
			resp, err := engine.Execute(ctx, req)
			if err != nil {
				return err
			}
			s.lastPartial = !resp.Success
			return s.emitSuccess(cmd, resp)
		},
	}
	execFlags.register(execute)

	var requestID, target string
	status := &cobra.Command{
		Use:   "status",
		Short: "Poll a previously submitted request until it settles or times out",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target != "" && !common.IsHexAddress(target) {
				return clierr.New(clierr.CodeUsage, "--target must be an address")
			}
			ctx, cancel := s.commandContext()
			defer cancel()
			engine, err := s.services.Engine(ctx, false)
			if err != nil {
				return err
			}
			channel, err := s.services.ReceiptChannel(ctx)
			if err != nil {
				return err
			}
			if engine.Tracker, err = s.services.tracker(channel); err != nil {
				return err
			}
			result, err := engine.Await(ctx, requestID, common.HexToAddress(target))
			if err != nil {
				return err
			}
			s.lastPartial = result.Status != execution.StatusConfirmed
			return s.emitSuccess(cmd, result)
		},
	}
	status.Flags().StringVar(&requestID, "request-id", "", "Request id returned by op execute")
	status.Flags().StringVar(&target, "target", "", "Execution target, for display")
	_ = status.MarkFlagRequired("request-id")

	root.AddCommand(plan, execute, status)
	return root
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		buf, err := io.ReadAll(stdin)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "read stdin", err)
		}
		return buf, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "read "+path, err)
	}
	return buf, nil
}

func loadDelegation(path string, stdin io.Reader) (delegation.Delegation, error) {
	buf, err := readInput(path, stdin)
	if err != nil {
		return delegation.Delegation{}, err
	}
	var d delegation.Delegation
	if err := json.Unmarshal(buf, &d); err != nil {
		return delegation.Delegation{}, clierr.Wrap(clierr.CodeUsage, "decode delegation", err)
	}
	if err := d.Validate(); err != nil {
		return delegation.Delegation{}, err
	}
	return d, nil
}
