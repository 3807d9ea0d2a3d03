package cli

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/Stage/internal/domain"
	"github.com/spf13/cobra"
)

var startHost int64

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a broadcast and print the host credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := client.StartBroadcast(cmd.Context(), session(), domain.ParticipantID(startHost))
		if err != nil {
			return err
		}
		return printJSON(cmd, start)
	},
}

var endCmd = &cobra.Command{
	Use:   "end",
	Short: "End a broadcast and clear its presence",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.EndBroadcast(cmd.Context(), session()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "broadcast %s ended\n", session())
		return nil
	},
}

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "List live presenters",
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := client.List(cmd.Context(), session())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%d live\n", len(records))
		for _, r := range records {
			fmt.Fprintf(out, "%d\t%s\t%s\n", r.ParticipantID, r.DisplayName, r.UpdatedAt.Format("15:04:05"))
		}
		return nil
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	startCmd.Flags().Int64Var(&startHost, "host", 0, "host base identifier")
	_ = startCmd.MarkFlagRequired("host")
	rootCmd.AddCommand(startCmd, endCmd, presenceCmd)
}
