package main

import (
	"fmt"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/intake-pipeline/internal/formdef"
)

var formsCmd = &cobra.Command{
	Use:   "forms",
	Short: "Manage form definitions",
}

var formsValidateCmd = &cobra.Command{
	Use:   "validate [files...]",
	Short: "Validate form definition files",
	Long:  "Validates the given YAML form definitions, or every .yaml file in the configured forms directory when no files are named.",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths := args
		if len(paths) == 0 {
			matches, err := filepath.Glob(filepath.Join(cfg.Forms.Dir, "*.yaml"))
			if err != nil {
				return eris.Wrap(err, "glob forms dir")
			}
			paths = matches
		}
		if len(paths) == 0 {
			return eris.Errorf("no form definitions found in %s", cfg.Forms.Dir)
		}

		failed := 0
		for _, path := range paths {
			def, err := formdef.LoadFile(path)
			if err != nil {
				fmt.Printf("FAIL  %s: %v\n", path, err)
				failed++
				continue
			}
			fmt.Printf("OK    %s (form %q, %d fields, %d rules)\n",
				path, def.ID, len(def.Fields),
				len(def.Rules.Red)+len(def.Rules.Yellow)+len(def.Rules.Green))
		}

		if failed > 0 {
			return eris.Errorf("%d of %d definitions invalid", failed, len(paths))
		}
		return nil
	},
}

func init() {
	formsCmd.AddCommand(formsValidateCmd)
	rootCmd.AddCommand(formsCmd)
}
