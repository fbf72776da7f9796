package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dgnsrekt/audiovault/internal/access"
	"github.com/dgnsrekt/audiovault/internal/ledger"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue and check stream grants and sessions",
	Args:  cobra.NoArgs,
}

var tokenIssueCmd = &cobra.Command{
	Use:     "issue PATH",
	Short:   "Issue a signed stream URL for PATH",
	Example: paragraph("audiovault token issue books/ch1.mp3 --device 3f1c --ttl 10m\naudiovault token issue books/ch1.mp3 --preview 30 --opaque"),
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tokens, _, err := openAccess(cfg)
		if err != nil {
			return err
		}
		f := cmd.Flags()
		ttl, _ := f.GetDuration("ttl")
		device, _ := f.GetString("device")
		opaque, _ := f.GetBool("opaque")
		base, _ := f.GetString("base")
		if base == "" {
			base = strings.TrimRight(cfg.Server.PublicURL, "/") + "/v1/stream"
		}
		var preview *int
		if f.Changed("preview") {
			n, _ := f.GetInt("preview")
			preview = &n
		}

		tok, err := tokens.Issue(args[0], ttl, preview, device)
		if err != nil {
			return err
		}
		fmt.Println(tok.URL(base, opaque))
		logger.Debug("grant issued", "path", tok.Path, "expires", tok.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var tokenVerifyCmd = &cobra.Command{
	Use:   "verify URL",
	Short: "Verify a stream URL or query string",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tokens, _, err := openAccess(cfg)
		if err != nil {
			return err
		}
		raw := args[0]
		if i := strings.IndexByte(raw, '?'); i >= 0 {
			raw = raw[i+1:]
		}
		q, err := url.ParseQuery(raw)
		if err != nil {
			return fmt.Errorf("unable to parse query: %w", err)
		}
		creds, ok := access.CredentialsFromQuery(q)
		if !ok {
			return errors.New("no grant found in the query")
		}
		device, _ := cmd.Flags().GetString("device")
		g, err := tokens.Verify(creds, device)
		if err != nil {
			return err
		}

		fmt.Println(headStyle.Render("valid"))
		fmt.Println(row("path", g.Path))
		fmt.Println(row("expires", g.ExpiresAt.Format(time.RFC3339)))
		if g.Device != "" {
			fmt.Println(row("device", g.Device))
		}
		if g.Preview() {
			fmt.Println(row("preview seconds", *g.MaxPreviewSeconds))
		}
		return nil
	},
}

var tokenSessionCmd = &cobra.Command{
	Use:   "session USER",
	Short: "Issue an API session token for USER",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, sessions, err := openAccess(cfg)
		if err != nil {
			return err
		}
		role := access.RoleListener
		if admin, _ := cmd.Flags().GetBool("admin"); admin {
			role = access.RoleAdmin
		}
		raw, exp, err := sessions.Issue(args[0], role)
		if err != nil {
			return err
		}
		fmt.Println(raw)
		logger.Debug("session issued", "user", args[0], "role", role, "expires", exp.Format(time.RFC3339))
		return nil
	},
}

var grantCmd = &cobra.Command{
	Use:     "grant USER [PREFIX]",
	Short:   "Grant USER access to assets under PREFIX",
	Long:    paragraph(fmt.Sprintf("\nRecord an entitlement. An empty PREFIX covers %s.", keyword("the whole catalog"))),
	Example: paragraph("audiovault grant u-123 books/dune/ --kind purchase\naudiovault grant u-123 --kind trial --for 72h"),
	Args:    cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		kind, _ := f.GetString("kind")
		e := ledger.Entitlement{UserID: args[0], Kind: ledger.GrantKind(kind)}
		if len(args) == 2 {
			e.AssetPrefix = args[1]
		}
		if d, _ := f.GetDuration("for"); d > 0 {
			exp := time.Now().Add(d).UTC()
			e.ExpiresAt = &exp
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		led, err := openLedger(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer led.Close() //nolint:errcheck

		e, err = led.Grant(ctx, e)
		if err != nil {
			return err
		}
		fmt.Println(row("entitlement", e.ID))
		return nil
	},
}

func init() {
	tokenIssueCmd.Flags().Duration("ttl", 0, "lifetime (default from config, capped at 1h)")
	tokenIssueCmd.Flags().Int("preview", 0, "limit the grant to a preview of this many seconds")
	tokenIssueCmd.Flags().String("device", "", "bind the grant to a device id")
	tokenIssueCmd.Flags().Bool("opaque", false, "use the single-parameter form")
	tokenIssueCmd.Flags().String("base", "", "stream endpoint (default public_url + /v1/stream)")
	tokenVerifyCmd.Flags().String("device", "", "device id presenting the grant")
	tokenSessionCmd.Flags().Bool("admin", false, "issue an admin session")
	tokenCmd.AddCommand(tokenIssueCmd, tokenVerifyCmd, tokenSessionCmd)

	grantCmd.Flags().String("kind", string(ledger.GrantPurchase), "subscription, purchase or trial")
	grantCmd.Flags().Duration("for", 0, "expire after this long (default never)")
}
