package cli

import (
	"fmt"
	"strings"
	"time"

	"remedy/internal/config"
	"remedy/internal/middleware"

	"github.com/spf13/cobra"
)

var (
	flagTokenSubject string
	flagRoles        string
	flagPerms        string
	flagTTLMin       int
	flagNoExpiry     bool
)

// tokenCmd generates an HS256 JWT for testing/admin usage.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a JWT (HS256) for API authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.JWT.Secret == "" {
			return fmt.Errorf("jwt.secret is empty; set it in config")
		}
		tok, err := middleware.SignHS256(tokenClaims(time.Now()), cfg.JWT.Secret)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&flagTokenSubject, "sub", "admin@localhost", "subject (sub) claim, recorded as the audit actor")
	tokenCmd.Flags().StringVar(&flagRoles, "roles", "admin", "comma-separated roles (e.g. admin,approver,agent)")
	tokenCmd.Flags().StringVar(&flagPerms, "perms", "", "comma-separated permissions (optional; extends the role mapping)")
	tokenCmd.Flags().IntVar(&flagTTLMin, "ttl", 60, "token lifetime in minutes")
	tokenCmd.Flags().BoolVar(&flagNoExpiry, "no-expiry", false, "omit the exp claim")
}

func tokenClaims(now time.Time) map[string]interface{} {
	claims := map[string]interface{}{
		"sub": flagTokenSubject,
		"iat": now.Unix(),
	}
	if roles := splitList(flagRoles); len(roles) > 0 {
		claims["roles"] = roles
	}
	if perms := splitList(flagPerms); len(perms) > 0 {
		claims["perms"] = perms
	}
	if !flagNoExpiry {
		claims["exp"] = now.Add(time.Duration(flagTTLMin) * time.Minute).Unix()
	}
	return claims
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
