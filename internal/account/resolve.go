package account

import (
	"os"

	"github.com/campuslink/chatsync/internal/config"
)

// DefaultName is used when nothing else selects an account.
const DefaultName = "main"

// Resolve determines the active account name using precedence:
//  1. flagOverride (--account flag)
//  2. CHATSYNC_ACCOUNT environment variable
//  3. config.toml default_account
//  4. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv("CHATSYNC_ACCOUNT"); env != "" {
		return env
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultAccount != "" {
		return cfg.DefaultAccount
	}
	return DefaultName
}
