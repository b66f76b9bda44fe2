// ABOUTME: Store interfaces and data types for toolhost persistence
// ABOUTME: Defines function versions, preambles, sessions, servers, and preferences

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateServer is returned when adding a server whose name is taken
var ErrDuplicateServer = errors.New("server already exists")

// ErrSessionClosed is returned when ending a session that already ended
var ErrSessionClosed = errors.New("session already closed")

// Test status values for a function version
const (
	TestStatusUntested = "untested"
	TestStatusPassed   = "passed"
	TestStatusFailed   = "failed"
)

// FunctionVersion is one immutable version of a stored function.
// Only Active, ActivatedAt, and the test fields change after creation.
type FunctionVersion struct {
	ID          int64
	Name        string
	ModuleGroup string
	Version     int
	Code        string
	TestCode    string
	Description string
	Active      bool
	TestStatus  string
	TestOutput  string
	CreatedAt   time.Time
	ActivatedAt *time.Time
}

// ModulePreamble is the shared setup code for a module group
type ModulePreamble struct {
	ModuleGroup string
	Code        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FunctionFilter narrows ListFunctions results
type FunctionFilter struct {
	ModuleGroup string // empty matches every group
	ActiveOnly  bool
}

// Session groups the tool calls made while executing one plan
type Session struct {
	ID             string
	ConversationID string
	GroupID        string
	StartedAt      time.Time
	EndedAt        *time.Time
	Success        *bool
	FuncNames      []string
}

// UsageEntry records a single tool invocation
type UsageEntry struct {
	ID           string
	SessionID    string // empty for calls outside a session
	FuncName     string
	FuncVersion  int // zero for remote tools
	ModuleGroup  string
	Provider     string
	CalledAt     time.Time
	DurationMS   int64
	Success      bool
	ErrorMessage string
	ArgsSummary  string
}

// UsageFilter narrows usage statistics
type UsageFilter struct {
	SessionID *string
	FuncName  *string
	Since     *time.Time
	Until     *time.Time
}

// UsageStats aggregates usage entries
type UsageStats struct {
	TotalCalls    int64
	Successes     int64
	SuccessRate   float64
	AvgDurationMS float64
	ByFunction    map[string]*FunctionUsage
}

// FunctionUsage aggregates usage entries for a single tool name
type FunctionUsage struct {
	Calls         int64
	Successes     int64
	AvgDurationMS float64
}

// Server is a catalog entry for an external tool server
type Server struct {
	Name           string
	Command        string
	Args           []string
	Env            map[string]string
	Enabled        bool
	AllowListed    bool
	Package        string
	PackageManager string
	Description    string
	AddedAt        time.Time
}

// ToolPreference pins a tool name to one of its providers
type ToolPreference struct {
	ToolName  string
	Provider  string
	UpdatedAt time.Time
}

// FunctionStore persists function versions and module preambles
type FunctionStore interface {
	// CreateFunctionVersion assigns the next version number for fv.Name and
	// inserts it. When fv.Active is set, sibling versions are deactivated in
	// the same transaction.
	CreateFunctionVersion(ctx context.Context, fv *FunctionVersion) error
	GetFunctionVersion(ctx context.Context, name string, version int) (*FunctionVersion, error)
	GetActiveFunction(ctx context.Context, name string) (*FunctionVersion, error)
	ListFunctionVersions(ctx context.Context, name string) ([]*FunctionVersion, error)
	ListFunctions(ctx context.Context, filter FunctionFilter) ([]*FunctionVersion, error)
	ActivateFunctionVersion(ctx context.Context, name string, version int) error
	UpdateFunctionTestCode(ctx context.Context, name string, version int, testCode string) error
	SetFunctionTestResult(ctx context.Context, name string, version int, status, output string) error

	SetPreamble(ctx context.Context, p *ModulePreamble) error
	GetPreamble(ctx context.Context, group string) (*ModulePreamble, error)
}

// SessionStore persists sessions and tool usage
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	EndSession(ctx context.Context, id string, success bool, endedAt time.Time) error
	UpdateSessionFuncNames(ctx context.Context, id string, names []string) error

	SaveUsageEntry(ctx context.Context, entry *UsageEntry) error
	ListUsageEntries(ctx context.Context, filter UsageFilter, limit int) ([]*UsageEntry, error)
	GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error)
}

// ServerStore persists the external server catalog
type ServerStore interface {
	CreateServer(ctx context.Context, server *Server) error
	GetServer(ctx context.Context, name string) (*Server, error)
	ListServers(ctx context.Context) ([]*Server, error)
	SearchServers(ctx context.Context, query string) ([]*Server, error)
	SetServerEnabled(ctx context.Context, name string, enabled bool) error
	DeleteServer(ctx context.Context, name string) error
}

// PreferenceStore persists operator provider preferences
type PreferenceStore interface {
	SetToolPreference(ctx context.Context, pref *ToolPreference) error
	GetToolPreference(ctx context.Context, toolName string) (*ToolPreference, error)
	ListToolPreferences(ctx context.Context) ([]*ToolPreference, error)
	DeleteToolPreference(ctx context.Context, toolName string) error
}
