package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload/validate"
)

func newValidateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check documents against the validation rules without uploading them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			validator, err := a.validator()
			if err != nil {
				return err
			}

			rejected := 0
			for _, path := range args {
				candidate, err := validate.CandidateFromFile(path)
				if err != nil {
					return err
				}
				result := validator.Validate(candidate)
				if result.Valid {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: valid\n", path)
					continue
				}
				rejected++
				a.logger.Debugf("%s rejected: %+v", path, candidate)
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", path, result.Error)
			}

			if rejected > 0 {
				return fmt.Errorf("%d of %d file(s) rejected", rejected, len(args))
			}
			return nil
		},
	}
}
