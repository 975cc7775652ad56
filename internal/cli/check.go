package cli

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftlock/inletd/internal/admission"
	"github.com/driftlock/inletd/internal/model"
	"github.com/driftlock/inletd/internal/policy"
)

var (
	checkPolicy   string
	checkPort     uint16
	checkSource   string
	checkIdentity string
	checkProtocol string
	checkKey      string
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVar(&checkPolicy, "policy", "", "Path to policy snapshot YAML")
	checkCmd.Flags().Uint16Var(&checkPort, "port", 0, "Destination port")
	checkCmd.Flags().StringVar(&checkSource, "source", "", "Peer source address")
	checkCmd.Flags().StringVar(&checkIdentity, "identity", "", "Verified peer identity (empty = unauthenticated)")
	checkCmd.Flags().StringVar(&checkProtocol, "protocol", "opaque", "Detected protocol (opaque, http/1, http/2)")
	checkCmd.Flags().StringVar(&checkKey, "key", "", "Request match key for per-request evaluation (HTTP)")
	checkCmd.MarkFlagRequired("policy")
	checkCmd.MarkFlagRequired("port")
	checkCmd.MarkFlagRequired("source")
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate a hypothetical connection against a policy file",
	Long: "Loads a policy snapshot and runs the admission decision for the given\n" +
		"(port, source, identity, protocol) offline. With --key, additionally runs\n" +
		"the per-request evaluation an HTTP stack would perform.",
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	table, err := policy.Load(checkPolicy)
	if err != nil {
		return err
	}

	source, err := netip.ParseAddr(checkSource)
	if err != nil {
		return fmt.Errorf("invalid source address: %w", err)
	}

	proto := model.Protocol(checkProtocol)
	switch proto {
	case model.ProtoOpaque, model.ProtoHTTP1, model.ProtoHTTP2:
	default:
		return fmt.Errorf("invalid protocol %q", checkProtocol)
	}

	id := model.Unauthenticated()
	if checkIdentity != "" {
		id = model.Verified(checkIdentity, time.Now(), time.Now().Add(time.Hour))
	}

	ctrl := admission.NewController(policy.NewStore(table))
	meta := model.ConnMeta{
		Source:   netip.AddrPortFrom(source, 0),
		DestPort: checkPort,
	}
	decision, hook := ctrl.Admit(meta, id, model.DetectionResult{Protocol: proto})

	result := map[string]any{
		"policy_version": table.Version(),
		"connection":     decision,
	}
	if checkKey != "" {
		result["request"] = hook.Evaluate(checkKey)
	}
	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	return nil
}
