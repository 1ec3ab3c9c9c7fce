// Package identity resolves the human owner behind an attribute write's
// "user" field against LDAP; the IPC server looks up each request's user
// through it. Narrowed from the teacher's full authentication client to a
// read-only directory lookup: attrd never authenticates a password, it
// only annotates who a write's user string names.
package identity

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	ldap "github.com/go-ldap/ldap/v3"
)

// Config holds directory connection settings.
type Config struct {
	Enabled         bool
	Server          string
	Port            int
	UseTLS          bool
	BindDN          string
	BindPassword    string
	BaseDN          string
	UserFilter      string // "{username}" is substituted
	UserIDAttribute string
	Timeout         time.Duration
}

// Owner is the resolved directory identity behind a username.
type Owner struct {
	DN       string
	Username string
	FullName string
	Email    string
}

// Resolver performs read-only directory lookups.
type Resolver struct {
	config Config
}

// NewResolver constructs a Resolver. Lookups are no-ops when
// !config.Enabled, returning a synthetic Owner carrying just the username.
func NewResolver(config Config) *Resolver {
	return &Resolver{config: config}
}

func (r *Resolver) connect() (*ldap.Conn, error) {
	address := fmt.Sprintf("%s:%d", r.config.Server, r.config.Port)
	var conn *ldap.Conn
	var err error
	if r.config.UseTLS {
		conn, err = ldap.DialTLS("tcp", address, &tls.Config{ServerName: r.config.Server, MinVersion: tls.VersionTLS12})
	} else {
		conn, err = ldap.Dial("tcp", address)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to directory: %w", err)
	}
	if r.config.Timeout > 0 {
		conn.SetTimeout(r.config.Timeout)
	}
	return conn, nil
}

// ResolveOwner looks up username's directory entry. With directory lookups
// disabled, it returns a synthetic Owner carrying only the username, never
// an error — a missing directory must not block a write's audit trail.
func (r *Resolver) ResolveOwner(username string) (*Owner, error) {
	if !r.config.Enabled {
		return &Owner{Username: username}, nil
	}

	conn, err := r.connect()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.Bind(r.config.BindDN, r.config.BindPassword); err != nil {
		return nil, fmt.Errorf("directory bind failed: %w", err)
	}

	filter := strings.ReplaceAll(r.config.UserFilter, "{username}", ldap.EscapeFilter(username))
	req := ldap.NewSearchRequest(
		r.config.BaseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter, []string{r.config.UserIDAttribute, "cn", "displayName", "mail"}, nil,
	)

	result, err := conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("directory search failed: %w", err)
	}
	if len(result.Entries) == 0 {
		return &Owner{Username: username}, nil
	}

	entry := result.Entries[0]
	owner := &Owner{
		DN:       entry.DN,
		Username: username,
		FullName: entry.GetAttributeValue("displayName"),
		Email:    entry.GetAttributeValue("mail"),
	}
	if owner.FullName == "" {
		owner.FullName = entry.GetAttributeValue("cn")
	}
	return owner, nil
}
