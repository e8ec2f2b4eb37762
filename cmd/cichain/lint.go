package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackvz/gitlab-foss/internal/service"
)

var lintCmd = &cobra.Command{
	Use:   "lint [file]",
	Short: "Validate a CI configuration file",
	Long:  `Validate a CI configuration file, or standard input with "-". Exits non-zero when it is invalid.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ".gitlab-ci.yml"
		if len(args) == 1 {
			path = args[0]
		}

		var content []byte
		var err error
		if path == "-" {
			content, err = io.ReadAll(cmd.InOrStdin())
		} else {
			content, err = os.ReadFile(path)
		}
		if err != nil {
			return err
		}

		result := service.LintContent(content)
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
		if !result.Valid {
			return fmt.Errorf("%s is invalid", path)
		}
		return nil
	},
}
