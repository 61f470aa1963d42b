package app

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"
)

type tokenOutput struct {
	Token      string    `json:"token"`
	HeaderName string    `json:"headerName"`
	CookieName string    `json:"cookieName"`
	ExpiresAt  time.Time `json:"expiresAt"`
	State      string    `json:"state"`
}

func newTokenCommand(opts *Options) *cobra.Command {
	var (
		reveal  bool
		refresh bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a valid CSRF token for the session",
		Long: `Restores the persisted token if one is stored, otherwise fetches one, and prints it
as JSON. With --refresh the server is asked to validate and possibly rotate the token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.Validate(); err != nil {
				return err
			}
			log, err := opts.NewLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx := cmd.Context()
			m, cleanup, err := opts.NewManager(ctx, log)
			if err != nil {
				return err
			}
			defer cleanup()

			if refresh {
				_, err = m.Refresh(ctx)
			} else {
				_, err = m.GetToken(ctx)
			}
			if err != nil {
				return err
			}

			rec, _ := m.Current()
			out := tokenOutput{
				Token:      rec.Token,
				HeaderName: rec.HeaderName,
				CookieName: rec.CookieName,
				ExpiresAt:  rec.ExpiresAt.UTC(),
				State:      m.State().String(),
			}
			if !reveal {
				out.Token = mask(out.Token)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().BoolVar(&reveal, "reveal", false, "Print the full token instead of a masked prefix.")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Refresh instead of reusing a valid token.")
	return cmd
}

func mask(token string) string {
	if len(token) <= 8 {
		return "********"
	}
	return token[:8] + "..."
}
