package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/elissabot/elissa/internal/script"
)

var checkCmd = &cobra.Command{
	Use:   "check <script>",
	Short: "Compile a script and report errors",
	Long: `Compiles the given script without running it. Prints the
instruction count on success; on failure, prints the offending
instruction's index and the reason.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	program, err := script.Compile(string(data))
	if err != nil {
		var compileErr *script.CompileError
		if errors.As(err, &compileErr) {
			return fmt.Errorf("%s: %w", path, compileErr)
		}
		return err
	}

	fmt.Printf("%s: ok (%d instructions)\n", path, program.Len())
	return nil
}
