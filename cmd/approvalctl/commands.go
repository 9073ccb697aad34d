package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/approval-engine/definition"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/types"
	"github.com/songzhibin97/approval-engine/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate <definition.yaml>...",
	Short: "Check definition files without publishing them",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runValidate,
}

var publishCmd = &cobra.Command{
	Use:   "publish <definition.yaml>",
	Short: "Publish a definition file as the next version of its id",
	Args:  cobra.ExactArgs(1),
	RunE:  runPublish,
}

var startCmd = &cobra.Command{
	Use:   "start <definition-id>",
	Short: "Start an instance of the latest version of a definition",
	Long: `Start an instance of the latest version of a definition.

Context values given with --set are parsed as numbers or booleans when they
look like one. Use --context-file for nested values.

Example:
  approvalctl start expense --object claim-7 --initiator ivan --set amount=1200`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

var actCmd = &cobra.Command{
	Use:   "act <instance-id> <node-id> <approve|reject|return|delegate|cancel>",
	Short: "Apply an approval action to an instance",
	Long: `Apply an approval action to an instance.

Lost concurrent-modification races are retried with the configured number
of retries and backoff. Every other error is reported as is.`,
	Args: cobra.ExactArgs(3),
	RunE: runAct,
}

var showCmd = &cobra.Command{
	Use:   "show <instance-id>",
	Short: "Print an instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var historyCmd = &cobra.Command{
	Use:   "history <instance-id>",
	Short: "Print the approval history of an instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List the running instances a user can act on",
	Args:  cobra.NoArgs,
	RunE:  runInbox,
}

var (
	startObject      string
	startInitiator   string
	startSet         map[string]string
	startContextFile string

	actActor    string
	actComment  string
	actDelegate string

	historyVerify bool

	inboxUser string
)

func init() {
	rootCmd.AddCommand(validateCmd, publishCmd, startCmd, actCmd, showCmd, historyCmd, inboxCmd)

	startCmd.Flags().StringVar(&startObject, "object", "", "business object id")
	startCmd.Flags().StringVar(&startInitiator, "initiator", "", "user starting the instance")
	startCmd.Flags().StringToStringVar(&startSet, "set", nil, "context value as key=value, repeatable")
	startCmd.Flags().StringVar(&startContextFile, "context-file", "", "YAML file with the initial context")
	_ = startCmd.MarkFlagRequired("object")
	_ = startCmd.MarkFlagRequired("initiator")

	actCmd.Flags().StringVar(&actActor, "actor", "", "user performing the action")
	actCmd.Flags().StringVar(&actComment, "comment", "", "comment stored with the record")
	actCmd.Flags().StringVar(&actDelegate, "to", "", "delegate target, for delegate")
	_ = actCmd.MarkFlagRequired("actor")

	historyCmd.Flags().BoolVar(&historyVerify, "verify", false, "check that the history reproduces the instance state")

	inboxCmd.Flags().StringVar(&inboxUser, "user", "", "user whose pending work is listed")
	_ = inboxCmd.MarkFlagRequired("user")
}

func runValidate(cmd *cobra.Command, args []string) error {
	evaluator := rules.NewExprEvaluator()
	failed := 0
	for _, path := range args {
		def, err := definition.LoadFile(path)
		if err == nil {
			err = definition.Validate(def, evaluator)
		}
		if err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s, %d nodes)\n", path, def.ID, len(def.Nodes))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d definitions are invalid", failed, len(args))
	}
	return nil
}

func runPublish(cmd *cobra.Command, args []string) error {
	def, err := definition.LoadFile(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	published, err := a.engine.RegisterDefinition(ctx, def)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), published)
}

func runStart(cmd *cobra.Command, args []string) error {
	vars, err := startContext()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	inst, err := a.engine.CreateInstance(ctx, args[0], startObject, startInitiator, vars)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), inst)
}

func startContext() (map[string]interface{}, error) {
	vars := make(map[string]interface{})
	if startContextFile != "" {
		data, err := os.ReadFile(startContextFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read context file: %w", err)
		}
		if err := yaml.Unmarshal(data, &vars); err != nil {
			return nil, fmt.Errorf("failed to parse context file: %w", err)
		}
	}
	for k, v := range startSet {
		vars[k] = parseScalar(v)
	}
	return vars, nil
}

// parseScalar turns "12.5" into a number and "true" into a bool; anything
// else stays a string.
func parseScalar(s string) interface{} {
	if f, err := cast.ToFloat64E(s); err == nil {
		return f
	}
	if s == "true" || s == "false" {
		return cast.ToBool(s)
	}
	return s
}

func parseInstanceID(s string) (uint64, error) {
	id, err := cast.ToUint64E(s)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid instance id %q", s)
	}
	return id, nil
}

func runAct(cmd *cobra.Command, args []string) error {
	id, err := parseInstanceID(args[0])
	if err != nil {
		return err
	}
	action := types.Action(args[2])
	if !action.Valid() {
		return fmt.Errorf("unknown action %q", args[2])
	}

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	req := types.ApprovalRequest{
		InstanceID:       id,
		NodeID:           args[1],
		Action:           action,
		ActorID:          actActor,
		Comment:          actComment,
		DelegateTargetID: actDelegate,
	}

	var outcome types.Outcome
	err = workflow.RetryOnConflict(ctx, a.cfg.Engine.ConflictRetries+1, a.cfg.Engine.ConflictBackoff, func(ctx context.Context) error {
		var err error
		outcome, err = a.engine.ProcessApproval(ctx, req)
		return err
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), outcome)
}

func runShow(cmd *cobra.Command, args []string) error {
	id, err := parseInstanceID(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	inst, err := a.engine.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), inst)
}

func runHistory(cmd *cobra.Command, args []string) error {
	id, err := parseInstanceID(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	records, err := a.engine.GetHistory(ctx, id)
	if err != nil {
		return err
	}
	if historyVerify {
		if err := a.engine.VerifyHistory(ctx, id); err != nil {
			return err
		}
	}
	return printJSON(cmd.OutOrStdout(), records)
}

func runInbox(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	insts, err := a.engine.PendingFor(ctx, inboxUser)
	if err != nil {
		return err
	}
	if insts == nil {
		insts = []types.Instance{}
	}
	return printJSON(cmd.OutOrStdout(), insts)
}
