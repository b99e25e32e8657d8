package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ehr/ehrctx/internal/domain/ehrquery"
)

func queryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Ask a clinical question about one patient",
		RunE: func(cmd *cobra.Command, args []string) error {
			patientID, _ := cmd.Flags().GetString("patient")
			question, _ := cmd.Flags().GetString("question")
			if patientID == "" || question == "" {
				return fmt.Errorf("--patient and --question are required")
			}

			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			svcs, err := buildServices(cmd.Context(), cfg, logger, true)
			if err != nil {
				return err
			}
			defer svcs.Close()

			out, err := svcs.query.Query(cmd.Context(), patientID, ehrquery.Query{Query: question})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			enc.SetEscapeHTML(false)
			return enc.Encode(out)
		},
	}
	cmd.Flags().String("patient", "", "Patient id")
	cmd.Flags().String("question", "", "Question in free text")
	return cmd
}
