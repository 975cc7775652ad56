package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/driftlock/inletd/internal/audit"
)

var auditVerifyPath string

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditVerifyCmd.Flags().StringVar(&auditVerifyPath, "log", "", "Path to connection event log JSONL")
	auditVerifyCmd.MarkFlagRequired("log")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the connection event log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the event log hash chain",
	Run: func(cmd *cobra.Command, args []string) {
		result := audit.Verify(auditVerifyPath)
		if result.Valid {
			fmt.Printf("OK: %d entries, chain intact\n", result.Lines)
			return
		}
		if result.ErrorLine > 0 {
			fmt.Fprintf(os.Stderr, "FAIL: %s at line %d\n", result.Error, result.ErrorLine)
		} else {
			fmt.Fprintf(os.Stderr, "FAIL: %s\n", result.Error)
		}
		os.Exit(1)
	},
}
