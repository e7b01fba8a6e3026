package livestream

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// Identity headers set by the upstream auth proxy.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
	HeaderUserName = "X-User-Name"
)

// Caller is the authenticated party behind a request.
type Caller struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// Anonymous reports whether the request carried no identity.
func (c Caller) Anonymous() bool { return c.ID == "" }

// Identifier resolves the caller of an HTTP request.
type Identifier interface {
	Identify(r *http.Request) Caller
}

// Directory is the read side of the persistent user store.
type Directory interface {
	// DisplayName returns the user's display name, or "" if unknown.
	DisplayName(ctx context.Context, userID string) (string, error)
	// PresidingUserID returns the id of the current presiding member, or "".
	PresidingUserID(ctx context.Context) (string, error)
}

// HeaderIdentifier trusts the identity headers and enriches them from a Directory.
type HeaderIdentifier struct {
	Directory Directory
	Log       *slog.Logger
}

// NewHeaderIdentifier returns an identifier backed by dir (may be nil).
func NewHeaderIdentifier(dir Directory, log *slog.Logger) *HeaderIdentifier {
	return &HeaderIdentifier{Directory: dir, Log: log}
}

// Identify implements Identifier. Directory failures degrade to the header
// values; they never grant a role.
func (h *HeaderIdentifier) Identify(r *http.Request) Caller {
	c := Caller{
		ID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
		Name: strings.TrimSpace(r.Header.Get(HeaderUserName)),
		Role: ParseRole(r.Header.Get(HeaderUserRole)),
	}
	if c.Anonymous() || h.Directory == nil {
		return c
	}

	ctx := r.Context()
	if c.Name == "" {
		name, err := h.Directory.DisplayName(ctx, c.ID)
		if err != nil {
			h.warn("display name lookup failed", c.ID, err)
		}
		c.Name = name
	}
	if c.Role != RolePresiding {
		presiding, err := h.Directory.PresidingUserID(ctx)
		if err != nil {
			h.warn("presiding lookup failed", c.ID, err)
		} else if presiding != "" && presiding == c.ID {
			c.Role = RolePresiding
		}
	}
	return c
}

func (h *HeaderIdentifier) warn(msg, userID string, err error) {
	if h.Log != nil {
		h.Log.Warn(msg, slog.String("user_id", userID), slog.String("error", err.Error()))
	}
}

// ParseRole maps a role header to a Role; anything unrecognised is a viewer.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(RolePresiding), "president", "presidente":
		return RolePresiding
	default:
		return RoleViewer
	}
}

// StaticDirectory is an in-memory Directory.
type StaticDirectory struct {
	mu        sync.RWMutex
	names     map[string]string
	presiding string
}

// NewStaticDirectory returns a directory with the given presiding user id.
func NewStaticDirectory(presidingID string) *StaticDirectory {
	return &StaticDirectory{names: make(map[string]string), presiding: presidingID}
}

// SetName records a display name.
func (d *StaticDirectory) SetName(userID, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names[userID] = name
}

// SetPresiding replaces the presiding user id.
func (d *StaticDirectory) SetPresiding(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.presiding = userID
}

func (d *StaticDirectory) DisplayName(_ context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.names[userID], nil
}

func (d *StaticDirectory) PresidingUserID(context.Context) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.presiding, nil
}
