package vault

import (
	"fmt"
	"os"
	"os/user"

	"github.com/aristath/runbook/internal/snapshot"
)

// CurrentPrincipal identifies the user and host this process runs as.
func CurrentPrincipal() (snapshot.Principal, error) {
	u, err := user.Current()
	if err != nil {
		return snapshot.Principal{}, fmt.Errorf("lookup current user: %w", err)
	}
	host, err := os.Hostname()
	if err != nil {
		return snapshot.Principal{}, fmt.Errorf("lookup hostname: %w", err)
	}
	name := u.Username
	if name == "" {
		name = u.Uid
	}
	return snapshot.Principal{User: name, Host: host}, nil
}
